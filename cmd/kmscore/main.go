// Command kmscore runs the background execution context's message loop as
// a standalone process: newline-delimited JSON requests on stdin, the
// matching responses on stdout. It exists as a dev harness for exercising
// the dispatcher outside a real browser extension background page; nothing
// about the message shape is specific to that transport.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/awnumar/memguard"
	"go.uber.org/zap"

	"github.com/lukium/kms-enclave/internal/audit"
	"github.com/lukium/kms-enclave/internal/clock"
	"github.com/lukium/kms-enclave/internal/config"
	"github.com/lukium/kms-enclave/internal/dispatch"
	"github.com/lukium/kms-enclave/internal/keyprovider"
	"github.com/lukium/kms-enclave/internal/lease"
	"github.com/lukium/kms-enclave/internal/storage"
	"github.com/lukium/kms-enclave/internal/unlock"
)

func main() {
	defer memguard.Purge()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := storage.Open(ctx, cfg.Storage.Path)
	if err != nil {
		logger.Fatal("failed to open storage", zap.Error(err), zap.String("path", cfg.Storage.Path))
	}
	defer db.Close()

	unlockMgr := unlock.NewManager(db, cfg.Unlock.PBKDF2Iterations)
	auditLog, err := audit.Open(ctx, db)
	if err != nil {
		logger.Fatal("failed to open audit log", zap.Error(err))
	}
	provider := keyprovider.New()
	leaseMgr := lease.NewManager(db, unlockMgr, auditLog, provider, clock.Real{})
	host := newStdioHost(logger)

	d := dispatch.New(db, unlockMgr, auditLog, provider, leaseMgr, clock.Real{}, cfg.Push.Whitelist, host)

	logger.Info("kmscore starting", zap.String("env", cfg.Env), zap.String("storage", cfg.Storage.Path))

	errCh := make(chan error, 1)
	go func() {
		errCh <- serve(ctx, d, os.Stdin, os.Stdout, logger)
	}()

	select {
	case <-ctx.Done():
		logger.Info("kmscore shutting down")
	case err := <-errCh:
		if err != nil && err != io.EOF {
			logger.Error("serve loop exited", zap.Error(err))
			os.Exit(1)
		}
	}

	logger.Info("kmscore stopped")
}

// serve reads one dispatch.Request per line from r and writes its
// dispatch.Response, also one per line, to w — until r is exhausted or ctx
// is canceled.
func serve(ctx context.Context, d *dispatch.Dispatcher, r io.Reader, w io.Writer, logger *zap.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req dispatch.Request
		if err := json.Unmarshal(line, &req); err != nil {
			logger.Warn("discarding malformed request", zap.Error(err))
			continue
		}

		resp := d.Handle(ctx, req)
		if resp.Error != nil {
			logger.Info("request failed", zap.String("method", req.Method), zap.String("code", resp.Error.Code))
		}
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
	return scanner.Err()
}

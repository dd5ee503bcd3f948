package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"upwatch/internal/app"
	"upwatch/internal/model"
	"upwatch/internal/runner"
)

func main() {
	var (
		cfgPath string
		once    bool
		addURL  string
		addFreq int64
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml")
	flag.BoolVar(&once, "once", false, "execute one check run and exit")
	flag.StringVar(&addURL, "add", "", "register a check for this URL and exit")
	flag.Int64Var(&addFreq, "freq", 5, "check frequency in minutes (with -add)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if addURL != "" {
		err := a.Store().UpsertCheck(ctx, model.Check{
			ID:               newCheckID(),
			URL:              addURL,
			Enabled:          true,
			FrequencyMinutes: addFreq,
			NextCheckAt:      time.Now().UnixMilli(),
			Status:           model.StatusUnknown,
		})
		_ = a.Stop(context.Background())
		if err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			os.Exit(1)
		}
		return
	}

	if once {
		err := a.Runner().Run(ctx)
		if errors.Is(err, runner.ErrLockHeld) || errors.Is(err, runner.ErrCircuitOpen) {
			fmt.Fprintln(os.Stderr, "skipped:", err)
			err = nil
		}
		stopErr := a.Stop(context.Background())
		if err != nil || stopErr != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err, stopErr)
			os.Exit(1)
		}
		return
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 40*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx); err != nil {
		fmt.Fprintln(os.Stderr, "stop:", err)
		os.Exit(1)
	}
}

func newCheckID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("chk-%d", time.Now().UnixNano())
	}
	return "chk-" + hex.EncodeToString(b[:])
}

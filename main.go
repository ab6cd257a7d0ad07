package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlinkos/securelink/flags"
	"github.com/carlinkos/securelink/internal/log"
	"github.com/carlinkos/securelink/keystore"
	"github.com/carlinkos/securelink/manager"
	"github.com/carlinkos/securelink/transport"
)

const (
	exitSetupSuccess = 0
	exitSetupFailed  = 1
)

const envForeground = "CARLINK_PROCESS_FOREGROUND"

// DaemonVersion is stamped by the release build; left as a placeholder
// in source checkouts.
const DaemonVersion = "0.0.0-dev"

func main() {
	opts := flags.NewOptions()
	if err := flags.Parse(opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitSetupFailed)
	}

	if opts.ShowVersion {
		fmt.Printf("carlinkd v%s\n", DaemonVersion)
		return
	}

	foreground := opts.Foreground || os.Getenv(envForeground) == "1"

	logger := log.New(opts.LogLevel, "")

	if !foreground {
		if err := Daemonize(); err != nil {
			logger.Errorf("failed to daemonize: %v", err)
			os.Exit(exitSetupFailed)
		}
		return
	}

	logger.Infof("starting carlinkd version %s", DaemonVersion)

	store, err := keystore.New(opts.KeystoreDir, logger.With("keystore"))
	if err != nil {
		logger.Errorf("failed to open keystore %s: %v", opts.KeystoreDir, err)
		os.Exit(exitSetupFailed)
	}

	m := manager.New(store, stdinConfirm, logger.With("manager"))

	if opts.EnableBLE {
		dialer := transport.NewBLEDialer()
		listener := transport.NewBLEListener("carlinkos")
		if err := listener.Start(); err != nil {
			logger.Errorf("failed to start BLE advertising: %v", err)
		} else {
			m.RegisterDialer("ble", dialer)
			m.RegisterListener(listener)
		}
	}
	if opts.EnableRFCOMM {
		dialer := transport.NewRFCOMMDialer()
		listener := transport.NewRFCOMMListener()
		listener.Channel = opts.RFCOMMChan
		if err := listener.Start(); err != nil {
			logger.Errorf("failed to start RFCOMM listener: %v", err)
		} else {
			m.RegisterDialer("rfcomm", dialer)
			m.RegisterListener(listener)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	logger.Infof("manager started")

	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGTERM, os.Interrupt)
	<-term

	logger.Infof("shutting down")
	cancel()
	m.Stop()
}

// stdinConfirm prints the verification code and waits for an
// operator to confirm it over stdin, the fallback path spec §4.2 requires
// when no side channel is available.
func stdinConfirm(ctx context.Context, code string) (bool, error) {
	fmt.Printf("Verification code: %s\nConfirm on both devices? [y/N]: ", code)
	reply := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		if scanner.Scan() {
			reply <- scanner.Text()
		} else {
			reply <- ""
		}
	}()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case line := <-reply:
		return line == "y" || line == "Y" || line == "yes", nil
	}
}

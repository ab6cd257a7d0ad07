package flags

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

const defaultRFCOMMChannel = 1

func Parse(opts *Options) error {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n", os.Args[0])
		pflag.PrintDefaults()
	}

	pflag.StringVar(&opts.KeystoreDir, "keystore-dir", defaultKeystoreDir(), "Directory holding paired-device records")
	pflag.IntVar(&opts.LogLevel, "log-level", 2, "Log verbosity: 0=silent 1=error 2=info 3=debug")
	pflag.BoolVar(&opts.Foreground, "foreground", false, "Remain in the foreground")
	pflag.BoolVarP(&opts.ShowVersion, "version", "v", false, "Print the version number and exit")

	pflag.BoolVar(&opts.EnableBLE, "ble", true, "Enable the Bluetooth LE transport")
	pflag.BoolVar(&opts.EnableRFCOMM, "rfcomm", true, "Enable the Bluetooth RFCOMM transport")
	var rfcommChan int
	pflag.IntVar(&rfcommChan, "rfcomm-channel", defaultRFCOMMChannel, "RFCOMM channel number to listen on")

	pflag.Parse()

	if opts.ShowVersion {
		return nil
	}

	if rfcommChan < 1 || rfcommChan > 30 {
		return fmt.Errorf("rfcomm-channel must be between 1 and 30, got %d", rfcommChan)
	}
	opts.RFCOMMChan = uint8(rfcommChan)

	if opts.KeystoreDir == "" {
		return fmt.Errorf("keystore-dir must not be empty")
	}

	return nil
}

func defaultKeystoreDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + "/carlinkos/devices"
	}
	return "/var/lib/carlinkos/devices"
}

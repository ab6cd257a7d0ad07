package flags

// Options holds the daemon's command-line configuration, mirroring the
// teacher's flags/options.go shape: a plain struct populated by Parse,
// no hidden globals.
type Options struct {
	KeystoreDir string
	LogLevel    int
	Foreground  bool
	ShowVersion bool

	EnableBLE    bool
	EnableRFCOMM bool
	RFCOMMChan   uint8
}

func NewOptions() *Options {
	return &Options{}
}

package transport

import (
	"context"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/carlinkos/securelink/internal/errs"
)

// ServiceUUID and the two characteristic UUIDs define the single GATT
// service this stack uses to carry a wire.Stream: one characteristic for
// central-to-peripheral writes, one for peripheral-to-central notifies.
// Grounded on other_examples' ComX-Bridge BLE transport (single
// read/write characteristic pattern), split into two characteristics
// here since GATT notify and write are naturally asymmetric.
var (
	ServiceUUID = bluetooth.NewUUID([16]byte{
		0xc0, 0x11, 0x17, 0x0c, 0xca, 0x12, 0x4b, 0x6c,
		0x90, 0x51, 0x1a, 0x1d, 0x6b, 0x1f, 0x90, 0x01,
	})
	writeCharUUID = bluetooth.NewUUID([16]byte{
		0xc0, 0x11, 0x17, 0x0c, 0xca, 0x12, 0x4b, 0x6c,
		0x90, 0x51, 0x1a, 0x1d, 0x6b, 0x1f, 0x90, 0x02,
	})
	notifyCharUUID = bluetooth.NewUUID([16]byte{
		0xc0, 0x11, 0x17, 0x0c, 0xca, 0x12, 0x4b, 0x6c,
		0x90, 0x51, 0x1a, 0x1d, 0x6b, 0x1f, 0x90, 0x03,
	})
)

const bleMTU = 182 // default ATT MTU (185) minus a 3-byte write header

// BLEDialer implements the central role: scan, connect, discover, and
// ride the write/notify characteristic pair as a Conn.
type BLEDialer struct {
	Adapter     *bluetooth.Adapter
	ScanTimeout time.Duration
}

func NewBLEDialer() *BLEDialer {
	return &BLEDialer{Adapter: bluetooth.DefaultAdapter, ScanTimeout: 10 * time.Second}
}

// Dial scans for a peripheral advertising addr (a MAC/address string) and
// connects to it, returning a Conn riding the carlink GATT service.
func (d *BLEDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	if err := d.Adapter.Enable(); err != nil {
		return nil, errs.Wrap(errs.StorageError, "enable ble adapter", err)
	}

	found := make(chan bluetooth.ScanResult, 1)
	err := d.Adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if result.Address.String() == addr {
			adapter.StopScan()
			select {
			case found <- result:
			default:
			}
		}
	})
	if err != nil {
		return nil, errs.Wrap(errs.StorageError, "start ble scan", err)
	}

	var result bluetooth.ScanResult
	select {
	case result = <-found:
	case <-time.After(d.ScanTimeout):
		d.Adapter.StopScan()
		return nil, errs.New(errs.Timeout, "ble scan timed out before finding peer")
	case <-ctx.Done():
		d.Adapter.StopScan()
		return nil, errs.Wrap(errs.Cancelled, "ble dial cancelled", ctx.Err())
	}

	device, err := d.Adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, errs.Wrap(errs.StorageError, "ble connect", err)
	}

	services, err := device.DiscoverServices([]bluetooth.UUID{ServiceUUID})
	if err != nil || len(services) == 0 {
		device.Disconnect()
		return nil, errs.Wrap(errs.StorageError, "discover carlink service", err)
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{writeCharUUID, notifyCharUUID})
	if err != nil || len(chars) != 2 {
		device.Disconnect()
		return nil, errs.Wrap(errs.StorageError, "discover carlink characteristics", err)
	}

	conn := newBLEConn(addr, bleMTU)
	conn.onClose = func() { device.Disconnect() }
	for _, c := range chars {
		switch c.UUID() {
		case writeCharUUID:
			conn.writeChar = c
		case notifyCharUUID:
			conn.notifyChar = c
		}
	}
	if err := conn.notifyChar.EnableNotifications(conn.onNotify); err != nil {
		device.Disconnect()
		return nil, errs.Wrap(errs.StorageError, "enable ble notifications", err)
	}
	return conn, nil
}

// BLEListener implements the peripheral role: advertise the carlink
// service and surface each central that writes to it as an Accept'd Conn.
type BLEListener struct {
	Adapter *bluetooth.Adapter
	Name    string

	mu       sync.Mutex
	pending  chan *bleConn
	byClient map[bluetooth.Connection]*bleConn
	notifyCh *bluetooth.Characteristic
}

func NewBLEListener(name string) *BLEListener {
	return &BLEListener{
		Adapter:  bluetooth.DefaultAdapter,
		Name:     name,
		pending:  make(chan *bleConn, 4),
		byClient: make(map[bluetooth.Connection]*bleConn),
	}
}

// Start configures advertising and the GATT service. Must be called once
// before Accept.
func (l *BLEListener) Start() error {
	if err := l.Adapter.Enable(); err != nil {
		return errs.Wrap(errs.StorageError, "enable ble adapter", err)
	}

	var notifyChar bluetooth.Characteristic
	err := l.Adapter.AddService(&bluetooth.Service{
		UUID: ServiceUUID,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				UUID:  writeCharUUID,
				Flags: bluetooth.CharacteristicWritePermission,
				WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
					l.dispatch(client, value)
				},
			},
			{
				UUID:   notifyCharUUID,
				Flags:  bluetooth.CharacteristicNotifyPermission,
				Handle: &notifyChar,
			},
		},
	})
	if err != nil {
		return errs.Wrap(errs.StorageError, "register ble gatt service", err)
	}
	l.notifyCh = &notifyChar

	adv := l.Adapter.DefaultAdvertisement()
	if err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    l.Name,
		ServiceUUIDs: []bluetooth.UUID{ServiceUUID},
	}); err != nil {
		return errs.Wrap(errs.StorageError, "configure ble advertisement", err)
	}
	return adv.Start()
}

func (l *BLEListener) dispatch(client bluetooth.Connection, value []byte) {
	l.mu.Lock()
	conn, ok := l.byClient[client]
	if !ok {
		conn = newBLEConn(client.String(), bleMTU)
		conn.notifyChar = *l.notifyCh
		l.byClient[client] = conn
		l.mu.Unlock()
		select {
		case l.pending <- conn:
		default:
		}
	} else {
		l.mu.Unlock()
	}
	conn.onNotify(value)
}

// Accept blocks until a central writes to the service for the first time.
func (l *BLEListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.pending:
		return c, nil
	case <-ctx.Done():
		return nil, errs.Wrap(errs.Cancelled, "ble accept cancelled", ctx.Err())
	}
}

func (l *BLEListener) Close() error {
	return nil
}

// bleConn adapts a pair of GATT characteristics to io.Reader/io.Writer:
// notifications land in an internal byte queue Read drains from, writes
// go straight to the write characteristic, chunked to the connection MTU
// (wire.Stream's mtuConn capability picks this up automatically).
type bleConn struct {
	addr string
	mtu  int

	writeChar  bluetooth.Characteristic
	notifyChar bluetooth.Characteristic
	onClose    func()

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
}

func newBLEConn(addr string, mtu int) *bleConn {
	c := &bleConn{addr: addr, mtu: mtu}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *bleConn) onNotify(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = append(c.buf, data...)
	c.cond.Broadcast()
}

func (c *bleConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.buf) == 0 && !c.closed {
		c.cond.Wait()
	}
	if len(c.buf) == 0 && c.closed {
		return 0, errs.New(errs.NotEstablished, "ble connection closed")
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *bleConn) Write(p []byte) (int, error) {
	n, err := c.writeChar.Write(p)
	if err != nil {
		return n, errs.Wrap(errs.StorageError, "ble characteristic write", err)
	}
	return n, nil
}

func (c *bleConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	if c.onClose != nil {
		c.onClose()
	}
	return nil
}

func (c *bleConn) RemoteAddr() string { return c.addr }

func (c *bleConn) MTU() int { return c.mtu }

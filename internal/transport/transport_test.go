// internal/transport/transport_test.go
package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"

	"github.com/benck/ha-medole/internal/codec"
	"github.com/benck/ha-medole/internal/devicesim"
	"github.com/benck/ha-medole/internal/domain"
)

// ---- frame reader ----

type scriptedReader struct {
	chunks [][]byte
}

func (r *scriptedReader) readChunk(p []byte, dl time.Time) (int, error) {
	if len(r.chunks) == 0 {
		time.Sleep(time.Until(dl))
		return 0, nil
	}
	n := copy(p, r.chunks[0])
	r.chunks = r.chunks[1:]
	return n, nil
}

func rtuReadResponse(t *testing.T, regs ...uint16) []byte {
	t.Helper()
	req := codec.Request{SlaveID: 1, Function: codec.FuncReadHoldingRegisters, Quantity: uint16(len(regs))}
	return codec.EncodeResponse(codec.RTU, req, codec.Response{Registers: regs})
}

func TestReadRTUFrame(t *testing.T) {
	full := rtuReadResponse(t, 0x0014, 0x0001)

	r := &scriptedReader{chunks: [][]byte{full[:1], full[1:4], full[4:]}}
	got, err := readRTUFrame(r, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("readRTUFrame err=%v", err)
	}
	if !bytes.Equal(got, full) {
		t.Fatalf("got % X want % X", got, full)
	}

	_, err = readRTUFrame(&scriptedReader{}, time.Now().Add(20*time.Millisecond))
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}

	_, err = readRTUFrame(&scriptedReader{chunks: [][]byte{full[:4]}}, time.Now().Add(20*time.Millisecond))
	if !errors.Is(err, domain.ErrFrame) {
		t.Fatalf("expected frame error, got %v", err)
	}
}

func TestSilentInterval(t *testing.T) {
	if d := silentInterval(9600); d < 4*time.Millisecond || d > 4100*time.Microsecond {
		t.Fatalf("9600 baud gap=%v", d)
	}
	if d := silentInterval(115200); d != 1750*time.Microsecond {
		t.Fatalf("115200 baud gap=%v", d)
	}
}

// ---- serial ----

// fakePort answers RTU requests from a register bank.
type fakePort struct {
	mu      sync.Mutex
	bank    *devicesim.Bank
	pending []byte
	timeout time.Duration
	written [][]byte
	closed  bool
	silent  bool
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = append(p.written, append([]byte(nil), b...))
	if p.silent {
		return len(b), nil
	}
	res, err := p.bank.Serve(codec.RTU, 1, b)
	if err != nil {
		return 0, err
	}
	p.pending = append(p.pending, res...)
	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, io.EOF
	}
	if len(p.pending) == 0 {
		wait := p.timeout
		p.mu.Unlock()
		time.Sleep(wait)
		return 0, nil
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	p.mu.Unlock()
	return n, nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = d
	return nil
}

func (p *fakePort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = nil
	return nil
}

func newFakeSerial(t *testing.T, port *fakePort) *serialTransport {
	t.Helper()
	tr, err := New(Config{Kind: Serial, Port: "/dev/ttyMock", BaudRate: 9600, Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("New err=%v", err)
	}
	st := tr.(*serialTransport)
	st.open = func(name string, mode *serial.Mode) (serialPort, error) {
		if name != "/dev/ttyMock" || mode.BaudRate != 9600 || mode.Parity != serial.NoParity {
			t.Fatalf("unexpected open %s %+v", name, mode)
		}
		return port, nil
	}
	return st
}

func TestSerial_Exchange(t *testing.T) {
	bank := devicesim.NewBank()
	bank.SetHolding(0x6203, 0x0014, 0x0001)
	st := newFakeSerial(t, &fakePort{bank: bank})

	ctx := context.Background()
	if err := st.Open(ctx); err != nil {
		t.Fatalf("Open err=%v", err)
	}
	defer st.Close()

	target := codec.Target{Framing: st.Framing(), SlaveID: 1}
	req, _ := codec.EncodeReadRequest(target, codec.FuncReadHoldingRegisters, 0x6203, 2)

	adu, err := st.Exchange(ctx, req)
	if err != nil {
		t.Fatalf("Exchange err=%v", err)
	}
	res, err := codec.DecodeResponse(target, adu, codec.FuncReadHoldingRegisters)
	if err != nil {
		t.Fatalf("decode err=%v", err)
	}
	if res.Registers[0] != 0x0014 || res.Registers[1] != 0x0001 {
		t.Fatalf("registers=%04X", res.Registers)
	}
}

func TestSerial_Timeout(t *testing.T) {
	st := newFakeSerial(t, &fakePort{silent: true})
	ctx := context.Background()
	if err := st.Open(ctx); err != nil {
		t.Fatalf("Open err=%v", err)
	}

	req, _ := codec.EncodeReadRequest(codec.Target{Framing: codec.RTU, SlaveID: 1}, codec.FuncReadHoldingRegisters, 0, 1)
	start := time.Now()
	_, err := st.Exchange(ctx, req)
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout not bounded: %v", time.Since(start))
	}
	// a timeout keeps the port
	if st.port == nil {
		t.Fatalf("port dropped on timeout")
	}
}

func TestSerial_OpenFailure(t *testing.T) {
	tr, _ := New(Config{Kind: Serial, Port: "/dev/ttyNope"})
	st := tr.(*serialTransport)
	st.open = func(string, *serial.Mode) (serialPort, error) {
		return nil, errors.New("no such file or directory")
	}
	if err := st.Open(context.Background()); !errors.Is(err, domain.ErrConnection) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if _, err := st.Exchange(context.Background(), []byte{1}); !errors.Is(err, domain.ErrConnection) {
		t.Fatalf("exchange on closed port: %v", err)
	}
}

func TestSerialMode(t *testing.T) {
	m, err := serialMode(Config{BaudRate: 19200, DataBits: 7, Parity: "E", StopBits: 2})
	if err != nil {
		t.Fatalf("serialMode err=%v", err)
	}
	if m.BaudRate != 19200 || m.DataBits != 7 || m.Parity != serial.EvenParity || m.StopBits != serial.TwoStopBits {
		t.Fatalf("mode=%+v", m)
	}
	if _, err := serialMode(Config{Parity: "X"}); !errors.Is(err, domain.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestNew_Rejects(t *testing.T) {
	for _, cfg := range []Config{
		{Kind: Serial},
		{Kind: TCP},
		{Kind: "carrier-pigeon"},
	} {
		if _, err := New(cfg); !errors.Is(err, domain.ErrConfig) {
			t.Fatalf("%+v: expected config error, got %v", cfg, err)
		}
	}
}

// ---- rtu over tcp ----

// rtuServer answers one 8-byte request per read with reply(req).
func rtuServer(t *testing.T, reply func(req []byte) []byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen err=%v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			req := make([]byte, 8)
			if _, err := io.ReadFull(conn, req); err != nil {
				return
			}
			if out := reply(req); len(out) > 0 {
				if _, err := conn.Write(out); err != nil {
					return
				}
			}
		}
	}()
	return ln.Addr().String()
}

func TestRTUOverTCP(t *testing.T) {
	bank := devicesim.NewBank()
	bank.SetHolding(0x6101, 0x0519)

	cases := []struct {
		name  string
		reply func([]byte) []byte
		want  error
	}{
		{"valid", func(req []byte) []byte {
			res, _ := bank.Serve(codec.RTU, 1, req)
			return res
		}, nil},
		{"silent", func([]byte) []byte { return nil }, domain.ErrTimeout},
		{"partial", func(req []byte) []byte {
			res, _ := bank.Serve(codec.RTU, 1, req)
			return res[:3]
		}, domain.ErrFrame},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			addr := rtuServer(t, tc.reply)
			tr, err := New(Config{Kind: RTUOverTCP, Address: addr, Timeout: 100 * time.Millisecond}, WithLogger(zerolog.Nop()))
			if err != nil {
				t.Fatalf("New err=%v", err)
			}
			ctx := context.Background()
			if err := tr.Open(ctx); err != nil {
				t.Fatalf("Open err=%v", err)
			}
			defer tr.Close()

			target := codec.Target{Framing: tr.Framing(), SlaveID: 1}
			req, _ := codec.EncodeReadRequest(target, codec.FuncReadHoldingRegisters, 0x6101, 1)
			adu, err := tr.Exchange(ctx, req)

			if tc.want != nil {
				if !errors.Is(err, tc.want) {
					t.Fatalf("expected %v, got %v", tc.want, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Exchange err=%v", err)
			}
			res, err := codec.DecodeResponse(target, adu, codec.FuncReadHoldingRegisters)
			if err != nil || res.Registers[0] != 0x0519 {
				t.Fatalf("res=%+v err=%v", res, err)
			}
		})
	}
}

func TestRTUOverTCP_Unreachable(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	addr := ln.Addr().String()
	ln.Close()

	tr, _ := New(Config{Kind: RTUOverTCP, Address: addr, Timeout: 100 * time.Millisecond})
	if err := tr.Open(context.Background()); !errors.Is(err, domain.ErrConnection) {
		t.Fatalf("expected connection error, got %v", err)
	}
}

// ---- modbus tcp against the simulated device server ----

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen err=%v", err)
	}
	defer ln.Close()
	return "127.0.0.1:" + strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)
}

func TestTCP_AgainstServer(t *testing.T) {
	bank := devicesim.NewBank()
	bank.SetHolding(0x6201, 0, 1, 50)

	addr := freeAddr(t)
	srv, err := devicesim.NewServer("tcp://"+addr, bank, 1, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewServer err=%v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start err=%v", err)
	}
	defer srv.Stop()

	tr, err := New(Config{Kind: TCP, Address: addr, Timeout: time.Second})
	if err != nil {
		t.Fatalf("New err=%v", err)
	}
	ctx := context.Background()
	if err := tr.Open(ctx); err != nil {
		t.Fatalf("Open err=%v", err)
	}
	defer tr.Close()

	target := codec.Target{Framing: tr.Framing(), SlaveID: 1, TransactionID: 7}

	// write then read back
	req, _ := codec.EncodeWriteRequest(target, 0x6203, []uint16{45})
	adu, err := tr.Exchange(ctx, req)
	if err != nil {
		t.Fatalf("write exchange err=%v", err)
	}
	if _, err := codec.DecodeResponse(target, adu, codec.FuncWriteSingleRegister); err != nil {
		t.Fatalf("write decode err=%v", err)
	}

	target.TransactionID++
	req, _ = codec.EncodeReadRequest(target, codec.FuncReadHoldingRegisters, 0x6201, 3)
	adu, err = tr.Exchange(ctx, req)
	if err != nil {
		t.Fatalf("read exchange err=%v", err)
	}
	res, err := codec.DecodeResponse(target, adu, codec.FuncReadHoldingRegisters)
	if err != nil {
		t.Fatalf("read decode err=%v", err)
	}
	if res.Registers[2] != 45 {
		t.Fatalf("registers=%v", res.Registers)
	}

	// undefined register: device exception, not a transport failure
	target.TransactionID++
	req, _ = codec.EncodeReadRequest(target, codec.FuncReadHoldingRegisters, 0x7000, 1)
	adu, err = tr.Exchange(ctx, req)
	if err != nil {
		t.Fatalf("exception exchange err=%v", err)
	}
	var dev *domain.DeviceExceptionError
	if _, err := codec.DecodeResponse(target, adu, codec.FuncReadHoldingRegisters); !errors.As(err, &dev) || dev.Code != domain.ExceptionIllegalDataAddress {
		t.Fatalf("expected illegal data address, got %v", err)
	}
}

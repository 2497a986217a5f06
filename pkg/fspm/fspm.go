// Package fspm implements the application-facing surface of §4.6: the
// PnetCfg configuration (loaded the teacher's way, via gopkg.in/ini.v1), the
// I&M-1 persistence store (I&M-2..4 are not stored), the wrap-around log
// book, and the callback registry the rest of the core invokes.
package fspm

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"

	pnet "github.com/pnet-core/pnet"
	"github.com/pnet-core/pnet/internal/block"
)

// imRecordFileName is the nonvolatile I&M-1 store, §6.
const imRecordFileName = "im.dat"

const (
	minDeviceIntervalLow  uint16 = 1
	minDeviceIntervalHigh uint16 = 4096

	// imSupportedMask has only bits 1..4 set (I&M1..I&M4), §4.6.
	imSupportedMask uint16 = 0x1E
)

// Identity mirrors I&M-0's fixed fields, read-only at runtime, §4.6/§6.
type Identity struct {
	VendorID     uint16
	DeviceID     uint16
	OrderID      string
	SerialNumber string
	HWRevision   uint16
	SWRevision   string
}

// PnetCfg is the configuration supplied at init, §4.6. It is loaded from an
// ini file the way the teacher loads its EDS/DCF configuration (pkg/od's
// ini.v1 parser) — a flat key=value format rather than the wire's binary
// blocks.
type PnetCfg struct {
	StationName      string
	MinDeviceInterval uint16 // units of 1/32 ms
	IMSupported       uint16
	Identity          Identity
	DataDir           string
}

// LoadConfig parses path (an ini file) into a PnetCfg, in the teacher's
// idiom of loading structured config via gopkg.in/ini.v1 rather than a
// bespoke parser.
func LoadConfig(path string) (*PnetCfg, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("fspm: load config: %w", err)
	}
	sec := f.Section("device")
	cfg := &PnetCfg{
		StationName:       sec.Key("station_name").MustString("pnet-device"),
		MinDeviceInterval: uint16(sec.Key("min_device_interval").MustUint(32)),
		IMSupported:       uint16(sec.Key("im_supported").MustUint(imSupportedMask)),
		DataDir:           sec.Key("data_dir").MustString("."),
		Identity: Identity{
			VendorID:     uint16(sec.Key("vendor_id").MustUint(0)),
			DeviceID:     uint16(sec.Key("device_id").MustUint(0)),
			OrderID:      sec.Key("order_id").MustString(""),
			SerialNumber: sec.Key("serial_number").MustString(""),
			HWRevision:   uint16(sec.Key("hw_revision").MustUint(1)),
			SWRevision:   sec.Key("sw_revision").MustString("V1.0"),
		},
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces §4.6's init-time checks: the constructor refuses to
// produce a Net on failure, §7 "Fatal (device-wide)".
func Validate(cfg *PnetCfg) error {
	if cfg.MinDeviceInterval < minDeviceIntervalLow || cfg.MinDeviceInterval > minDeviceIntervalHigh {
		return pnet.NewFault(pnet.ErrClsProtocol, pnet.ErrCodeConnect, cfg.MinDeviceInterval, 0)
	}
	if cfg.IMSupported&^imSupportedMask != 0 {
		return pnet.NewFault(pnet.ErrClsProtocol, pnet.ErrCodeConnect, cfg.IMSupported, 1)
	}
	return nil
}

// Records owns the in-memory I&M-1 record and its nonvolatile mirror,
// saved only when content differs, §4.6/§6. It holds no I&M-2..4 records.
type Records struct {
	mu   sync.Mutex
	path string
	im1  block.IM1Record
	log  *log.Entry
}

// NewRecords creates a Records store rooted at dataDir, loading any
// existing im.dat.
func NewRecords(dataDir string, logger *log.Entry) (*Records, error) {
	r := &Records{path: filepath.Join(dataDir, imRecordFileName), log: logger}
	if err := r.load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return r, nil
}

func (r *Records) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return err
	}
	rd := block.NewReader(data)
	r.im1 = rd.ReadIM1Record()
	return rd.Err()
}

// WriteIM1 persists rec, saving to disk only if it differs from what is
// already stored — §4.6's save-if-different policy, satisfying
// cmwrr.IMStore.
func (r *Records) WriteIM1(rec block.IM1Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec == r.im1 {
		return nil
	}
	r.im1 = rec
	return r.save()
}

// ReadIM1 returns the current I&M-1 record.
func (r *Records) ReadIM1() block.IM1Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.im1
}

func (r *Records) save() error {
	w := block.NewWriter(make([]byte, 64))
	w.WriteIM1Record(r.im1)
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, w.Bytes(), 0o644); err != nil {
		return fmt.Errorf("fspm: write im.dat: %w", err)
	}
	return os.Rename(tmp, r.path)
}

// LogEntry is one log-book record, §4.6/§5.
type LogEntry struct {
	ErrCls  uint8
	ErrCode uint8
	Detail  string
}

const logBookCapacity = 64

// LogBook is the wrap-around, mutex-protected event ring named in §4.6 and
// §5's "log_book_mutex" guard (the application thread appends from its own
// context, outside the periodic tick).
type LogBook struct {
	mu      sync.Mutex
	entries []LogEntry
	next    int
	full    bool
}

// NewLogBook creates an empty ring of logBookCapacity entries.
func NewLogBook() *LogBook {
	return &LogBook{entries: make([]LogEntry, logBookCapacity)}
}

// Append adds e, overwriting the oldest entry once the ring is full.
func (lb *LogBook) Append(e LogEntry) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.entries[lb.next] = e
	lb.next = (lb.next + 1) % logBookCapacity
	if lb.next == 0 {
		lb.full = true
	}
}

// Entries returns a copy of the ring in chronological order, oldest first.
func (lb *LogBook) Entries() []LogEntry {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if !lb.full {
		out := make([]LogEntry, lb.next)
		copy(out, lb.entries[:lb.next])
		return out
	}
	out := make([]LogEntry, logBookCapacity)
	copy(out, lb.entries[lb.next:])
	copy(out[logBookCapacity-lb.next:], lb.entries[:lb.next])
	return out
}

// Callbacks is the application-supplied function pointer set §4.6 names:
// connect/release/DControl/CControl indications, state changes, record
// read/write, alarm indication/ack-confirmation/confirmation, new-data
// status, expected-module/submodule mismatch, reset and signal-LED.
type Callbacks struct {
	ConnectInd       func(arep uint32)
	ReleaseInd       func(arep uint32)
	DControlInd      func(arep uint32)
	CControlInd      func(arep uint32)
	StateInd         func(arep uint32, state uint8)
	ReadInd          func(arep uint32, index uint16) ([]byte, error)
	WriteInd         func(arep uint32, index uint16, data []byte) error
	AlarmInd         func(arep uint32, data []byte)
	AlarmAckCnf      func(arep uint32, status uint8)
	AlarmCnf         func(arep uint32, status uint8)
	NewDataStatusInd func(arep uint32, status uint8)
	ExpModuleInd     func(api uint32, slot uint16, ident uint32) bool
	ExpSubmoduleInd  func(api uint32, slot, subslot uint16, ident uint32) bool
	ResetInd         func(mode ResetMode)
	SignalLEDInd     func(on bool)
}

// ResetMode distinguishes the two factory-reset depths §4.6 names.
type ResetMode uint8

const (
	ResetCommunication ResetMode = iota
	ResetAll
)

// AROborter aborts every live AR, the first step of factory reset, §4.6.
// Implemented by the Net's AR table.
type AROborter interface {
	AbortAll(errCls, errCode uint8)
}

// FSPM is the application-facing object Net embeds: configuration, I&M
// persistence, log book and callbacks, §4.6.
type FSPM struct {
	Cfg        *PnetCfg
	defaultCfg PnetCfg
	Records    *Records
	LogBook    *LogBook
	Callbacks  Callbacks
	log        *log.Entry
}

// New validates cfg and assembles an FSPM instance, refusing to produce one
// on a fatal configuration error (§7 "Fatal (device-wide)").
func New(cfg *PnetCfg, callbacks Callbacks, logger *log.Entry) (*FSPM, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	records, err := NewRecords(cfg.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("fspm: load records: %w", err)
	}
	return &FSPM{
		Cfg:        cfg,
		defaultCfg: *cfg,
		Records:    records,
		LogBook:    NewLogBook(),
		Callbacks:  callbacks,
		log:        logger,
	}, nil
}

// FactoryReset aborts every live AR, restores the default network
// configuration captured at New(), and commits it as the active config,
// §4.6 "Factory reset".
func (f *FSPM) FactoryReset(mode ResetMode, ars AROborter) {
	ars.AbortAll(pnet.ErrClsProtocol, 0)
	*f.Cfg = f.defaultCfg
	f.LogBook.Append(LogEntry{Detail: "factory reset"})
	if f.Callbacks.ResetInd != nil {
		f.Callbacks.ResetInd(mode)
	}
	if f.log != nil {
		f.log.WithField("mode", mode).Info("factory reset committed")
	}
}

// RemoveDataFiles deletes the nonvolatile I&M and PDPort files, §6.
func RemoveDataFiles(dataDir string) error {
	var errs []error
	for _, name := range []string{imRecordFileName, "pdport-1.dat"} {
		if err := os.Remove(filepath.Join(dataDir, name)); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("fspm: remove data files: %v", errs)
	}
	return nil
}

// Package scenario replays scripted SPOTA sessions through the kernel and
// receiver without a radio, producing a transcript of every routed message
// and every ATT response or notification.
package scenario

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/srg/spotar/internal/attdb"
	"github.com/srg/spotar/internal/host"
	"github.com/srg/spotar/internal/kernel"
	"github.com/srg/spotar/internal/link"
	"github.com/srg/spotar/internal/spota"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidStep = errors.New("invalid scenario step")
	ErrExpectation = errors.New("expectation failed")
)

// Script is a session script.
type Script struct {
	Name string `yaml:"name"`
	// Host wires the host application as the receiver's application task.
	// Without it, messages to the application are only recorded.
	Host  bool   `yaml:"host"`
	Steps []Step `yaml:"steps"`
}

// Step is one scripted event. Exactly one field must be set.
type Step struct {
	Create     *CreateStep     `yaml:"create,omitempty"`
	Connect    string          `yaml:"connect,omitempty"`
	Enable     *EnableStep     `yaml:"enable,omitempty"`
	Disable    string          `yaml:"disable,omitempty"`
	Write      *WriteStep      `yaml:"write,omitempty"`
	Status     *uint8          `yaml:"status,omitempty"`
	MemInfo    *uint32         `yaml:"meminfo,omitempty"`
	Ack        bool            `yaml:"ack,omitempty"`
	Disconnect *DisconnectStep `yaml:"disconnect,omitempty"`
	Expect     *Expect         `yaml:"expect,omitempty"`
}

type CreateStep struct {
	PatchDataSize int `yaml:"patch_data_size"`
}

type EnableStep struct {
	Conn string `yaml:"conn"`
	Sec  string `yaml:"sec"`
}

// WriteStep is a peer write. Value is hex; spaces are ignored. Last
// defaults to true.
type WriteStep struct {
	Conn  string `yaml:"conn"`
	Char  string `yaml:"char"`
	Value string `yaml:"value"`
	Last  *bool  `yaml:"last"`
}

type DisconnectStep struct {
	Conn   string `yaml:"conn"`
	Reason uint8  `yaml:"reason"`
}

// Expect checks receiver state after the preceding steps. Unset fields are
// not checked.
type Expect struct {
	State   string            `yaml:"state,omitempty"`
	Pending *bool             `yaml:"pending,omitempty"`
	Bound   *bool             `yaml:"bound,omitempty"`
	Values  map[string]string `yaml:"values,omitempty"`
}

// Parse decodes a YAML script.
func Parse(data []byte) (*Script, error) {
	var s Script
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	for i, st := range s.Steps {
		if n := st.count(); n != 1 {
			return nil, fmt.Errorf("%w: step %d sets %d events", ErrInvalidStep, i+1, n)
		}
	}
	return &s, nil
}

// Load reads a YAML script from path.
func Load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario %s: %w", path, err)
	}
	return Parse(data)
}

func (st Step) count() int {
	n := 0
	for _, set := range []bool{
		st.Create != nil, st.Connect != "", st.Enable != nil, st.Disable != "",
		st.Write != nil, st.Status != nil, st.MemInfo != nil, st.Ack,
		st.Disconnect != nil, st.Expect != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// Result is the outcome of a run.
type Result struct {
	Transcript []string
	// Image holds the bytes the host wrote, when the host is wired.
	Image []byte
	Host  *host.Stats
}

// String renders the transcript, one line per entry.
func (r *Result) String() string {
	return strings.Join(r.Transcript, "\n") + "\n"
}

// unknownConn is used for connections the script never opened.
const unknownConn spota.ConnHandle = 0xFFFF

type runner struct {
	logger *logrus.Logger
	db     *attdb.DB
	conns  *link.Table
	k      *kernel.Kernel
	rcv    *spota.Receiver
	host   *host.Host
	image  bytes.Buffer
	lines  []string
}

// Run executes script and returns the transcript. On failure the partial
// result is returned together with the error.
func Run(script *Script, logger *logrus.Logger) (*Result, error) {
	if logger == nil {
		logger = logrus.New()
	}
	r := &runner{
		logger: logger,
		db:     attdb.New(logger),
		conns:  link.New(logger),
		k:      kernel.New(logger),
	}
	r.rcv = spota.NewReceiver(r.db, r.conns, r.k, r, logger)
	if err := r.rcv.Register(r.k); err != nil {
		return nil, err
	}
	if script.Host {
		r.host = host.New(r.k, &r.image, logger)
		if err := r.host.Register(r.k); err != nil {
			return nil, err
		}
	}
	r.k.Observe(r.observe)

	var err error
	for i, st := range script.Steps {
		if err = r.step(st); err != nil {
			err = fmt.Errorf("step %d: %w", i+1, err)
			break
		}
		r.k.Drain()
	}

	res := &Result{Transcript: r.lines}
	if r.host != nil {
		stats := r.host.Stats()
		res.Host = &stats
		res.Image = append([]byte(nil), r.image.Bytes()...)
	}
	return res, err
}

func (r *runner) printf(format string, args ...interface{}) {
	r.lines = append(r.lines, fmt.Sprintf(format, args...))
}

func taskName(id kernel.TaskID) string {
	switch id {
	case spota.TaskReceiver:
		return "receiver"
	case spota.TaskApp:
		return "app"
	case spota.TaskLink:
		return "link"
	default:
		return fmt.Sprintf("task(0x%04x)", uint16(id))
	}
}

func (r *runner) observe(env kernel.Envelope) {
	r.printf("  %s -> %s %s %+v", taskName(env.Src), taskName(env.Dest), kernel.MsgName(env.Msg.ID()), env.Msg)
}

// SendWriteResponse implements spota.Bearer.
func (r *runner) SendWriteResponse(idx spota.ConnIndex, h spota.Handle, status spota.Status) {
	r.printf("  att rsp conn=%d %s status=%s", idx, r.attrName(h), status)
}

// SendNotification implements spota.Bearer.
func (r *runner) SendNotification(idx spota.ConnIndex, h spota.Handle, value []byte) {
	r.printf("  att ntf conn=%d %s value=%s", idx, r.attrName(h), hex.EncodeToString(value))
}

func (r *runner) attrName(h spota.Handle) string {
	if t := r.rcv.Table(); t != nil {
		if s, ok := t.Lookup(int(h) - int(r.rcv.BaseHandle())); ok {
			return s.Name
		}
	}
	return fmt.Sprintf("handle=0x%04x", uint16(h))
}

func (r *runner) conn(addr string) (spota.ConnHandle, spota.ConnIndex) {
	if c, ok := r.conns.ByAddr(addr); ok {
		return c.Handle, c.Index
	}
	return unknownConn, spota.InvalidConnIndex
}

func (r *runner) post(src kernel.TaskID, idx spota.ConnIndex, msg spota.Message) error {
	return r.k.Post(kernel.Envelope{Dest: spota.TaskReceiver, Src: src, SrcIdx: uint8(idx), Msg: msg})
}

func (r *runner) step(st Step) error {
	switch {
	case st.Create != nil:
		r.printf("create patch_data_size=%d", st.Create.PatchDataSize)
		return r.post(spota.TaskApp, 0, spota.CreateDBRequest{PatchDataSize: st.Create.PatchDataSize})

	case st.Connect != "":
		c, err := r.conns.Connect(st.Connect)
		if err != nil {
			return err
		}
		r.printf("connect %s handle=%d index=%d", st.Connect, c.Handle, c.Index)
		return nil

	case st.Enable != nil:
		lvl, err := spota.ParseSecurityLevel(st.Enable.Sec)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidStep, err)
		}
		h, _ := r.conn(st.Enable.Conn)
		r.printf("enable %s sec=%s", st.Enable.Conn, lvl)
		return r.post(spota.TaskApp, 0, spota.EnableRequest{ConnHandle: h, SecLevel: lvl})

	case st.Disable != "":
		h, _ := r.conn(st.Disable)
		r.printf("disable %s", st.Disable)
		r.rcv.Disable(h)
		return nil

	case st.Write != nil:
		return r.write(st.Write)

	case st.Status != nil:
		r.printf("status 0x%02x", *st.Status)
		return r.post(spota.TaskApp, 0, spota.StatusUpdateRequest{Status: *st.Status})

	case st.MemInfo != nil:
		r.printf("meminfo 0x%08x", *st.MemInfo)
		return r.post(spota.TaskApp, 0, spota.MemInfoUpdateRequest{MemInfo: *st.MemInfo})

	case st.Ack:
		r.printf("ack")
		return r.post(spota.TaskApp, 0, spota.PatchChunkAck{})

	case st.Disconnect != nil:
		h, idx := r.conn(st.Disconnect.Conn)
		if h != unknownConn {
			if _, err := r.conns.Disconnect(h); err != nil {
				return err
			}
		}
		r.printf("disconnect %s reason=0x%02x", st.Disconnect.Conn, st.Disconnect.Reason)
		return r.post(spota.TaskLink, idx, spota.DisconnectIndication{ConnHandle: h, Reason: st.Disconnect.Reason})

	case st.Expect != nil:
		return r.expect(st.Expect)
	}
	return ErrInvalidStep
}

func (r *runner) charIndex(name string) (int, bool) {
	t := r.rcv.Table()
	if t == nil {
		t = spota.NewCharTable(0)
	}
	idx := -1
	t.Each(func(s spota.CharSpec) {
		if s.Name == name {
			idx = s.Index
		}
	})
	return idx, idx >= 0
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.NewReplacer(" ", "", ":", "").Replace(s))
}

func (r *runner) write(w *WriteStep) error {
	idx, ok := r.charIndex(w.Char)
	if !ok {
		return fmt.Errorf("%w: unknown characteristic %q", ErrInvalidStep, w.Char)
	}
	value, err := decodeHex(w.Value)
	if err != nil {
		return fmt.Errorf("%w: bad value %q: %v", ErrInvalidStep, w.Value, err)
	}
	last := w.Last == nil || *w.Last

	_, ci := r.conn(w.Conn)
	r.printf("write %s %s=%s last=%t", w.Conn, w.Char, hex.EncodeToString(value), last)
	return r.post(spota.TaskLink, ci, spota.WriteIndication{
		Handle: r.rcv.HandleOf(idx),
		Value:  value,
		Last:   last,
	})
}

func (r *runner) expect(e *Expect) error {
	var failed []string
	if e.State != "" && r.rcv.State().String() != e.State {
		failed = append(failed, fmt.Sprintf("state=%s, want %s", r.rcv.State(), e.State))
	}
	if e.Pending != nil && r.rcv.PendingChunk() != *e.Pending {
		failed = append(failed, fmt.Sprintf("pending=%t, want %t", r.rcv.PendingChunk(), *e.Pending))
	}
	if e.Bound != nil {
		if _, bound := r.rcv.Bound(); bound != *e.Bound {
			failed = append(failed, fmt.Sprintf("bound=%t, want %t", bound, *e.Bound))
		}
	}
	names := make([]string, 0, len(e.Values))
	for name := range e.Values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		want := e.Values[name]
		idx, ok := r.charIndex(name)
		if !ok {
			return fmt.Errorf("%w: unknown characteristic %q", ErrInvalidStep, name)
		}
		wantBytes, err := decodeHex(want)
		if err != nil {
			return fmt.Errorf("%w: bad value %q: %v", ErrInvalidStep, want, err)
		}
		got, err := r.db.Value(r.rcv.HandleOf(idx))
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		if !bytes.Equal(got, wantBytes) {
			failed = append(failed, fmt.Sprintf("%s=%s, want %s", name, hex.EncodeToString(got), hex.EncodeToString(wantBytes)))
		}
	}

	if len(failed) > 0 {
		r.printf("expect FAILED: %s", strings.Join(failed, "; "))
		return fmt.Errorf("%w: %s", ErrExpectation, strings.Join(failed, "; "))
	}
	r.printf("expect ok")
	return nil
}

package exec

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/freitascorp/concierge/pkg/concierr"
	"github.com/freitascorp/concierge/pkg/config"
	"github.com/freitascorp/concierge/pkg/placeholder"
)

const (
	stdoutPollInterval = 50 * time.Millisecond
	jpegChunkSize      = 8 * 1024
	abortGrace         = 5 * time.Second
)

// ShellProcess supervises one locally executed child process for one
// (command, hostname) invocation. It implements Handle so the
// WSGateway can relay inbound frames to stdin and request abort.
type ShellProcess struct {
	key      Key
	cmdDef   config.ShellCommand
	hostname string
	params   map[string]any
	sink     StreamSink
	logger   *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	aborted  bool
}

// NewShellProcess constructs a supervisor for one invocation. sink
// receives stdout frames (pass exec.NullSink{} to suppress streaming
// regardless of SocketRawMode).
func NewShellProcess(key Key, cmdDef config.ShellCommand, params map[string]any, sink StreamSink, logger *slog.Logger) *ShellProcess {
	if sink == nil {
		sink = NullSink{}
	}
	return &ShellProcess{key: key, cmdDef: cmdDef, hostname: key.Hostname, params: params, sink: sink, logger: logger}
}

// Run spawns the child and waits for it under ctx: callers pass
// context.WithTimeout for a bounded wait and a bare
// context.Background() (no deadline) to wait forever.
func (p *ShellProcess) Run(ctx context.Context) Outcome {
	args := make([]string, len(p.cmdDef.Arguments))
	for i, a := range p.cmdDef.Arguments {
		args[i] = placeholder.ExpandLiteral(a, p.hostname, p.params)
	}

	cmd := exec.Command(p.cmdDef.Command, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	var stdoutPipe io.ReadCloser
	var err error
	mode := p.cmdDef.SocketRawMode
	if mode != config.SocketRawDisabled {
		stdoutPipe, err = cmd.StdoutPipe()
		if err != nil {
			return errorOutcome(p.hostname, fmt.Sprintf("spawn failed: %v", err), "", 0)
		}
		cmd.Stderr = cmd.Stdout // merge stderr into the same stdout pipe
	}

	var stdinPipe io.WriteCloser
	if p.cmdDef.SocketRawStdin {
		stdinPipe, err = cmd.StdinPipe()
		if err != nil {
			return errorOutcome(p.hostname, fmt.Sprintf("spawn failed: %v", err), "", 0)
		}
	}

	var outputBuf bytes.Buffer
	if mode == config.SocketRawDisabled {
		cmd.Stdout = io.Discard
		cmd.Stderr = io.Discard
	}

	if err := cmd.Start(); err != nil {
		return errorOutcome(p.hostname, concierr.Newf(concierr.KindProcessSpawnFailed, "spawn failed: %v", err).Error(), "", 0)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.stdin = stdinPipe
	aborted := p.aborted
	p.mu.Unlock()

	if aborted {
		p.terminate()
	}

	var streamDone chan struct{}
	if stdoutPipe != nil {
		streamDone = make(chan struct{})
		go func() {
			defer close(streamDone)
			switch mode {
			case config.SocketRawCLI:
				p.streamCLI(stdoutPipe, &outputBuf)
			case config.SocketRawJPEGStream:
				p.streamJPEG(stdoutPipe)
			default:
				io.Copy(&outputBuf, stdoutPipe)
			}
		}()
	}

	waitErr := p.waitWithContext(ctx, cmd)
	if stdoutPipe != nil {
		<-streamDone
	}

	p.mu.Lock()
	wasAborted := p.aborted
	p.mu.Unlock()

	output := outputBuf.String()

	switch {
	case wasAborted:
		p.sink.BroadcastStatus(p.key, "error")
		return errorOutcome(p.hostname, concierr.New(concierr.KindAborted, "aborted").Error(), output, 0)
	case waitErr == context.DeadlineExceeded || ctx.Err() == context.DeadlineExceeded:
		// terminate() already ran inside waitWithContext as soon as
		// ctx.Done() fired, before the process was reaped.
		p.sink.BroadcastStatus(p.key, "error")
		return errorOutcome(p.hostname, concierr.New(concierr.KindTimeout, "timed out").Error(), output, 0)
	case waitErr != nil:
		exitCode := exitCodeOf(waitErr)
		p.sink.BroadcastStatus(p.key, "error")
		return errorOutcome(p.hostname, fmt.Sprintf("Exit code %d", exitCode), output, 0)
	default:
		p.sink.BroadcastStatus(p.key, "success")
		return successOutcome(p.hostname, output, 0)
	}
}

func exitCodeOf(err error) int {
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return -1
}

// waitWithContext waits for cmd to exit, racing against ctx
// cancellation. On ctx expiry it terminates the process group
// immediately, then waits for the reap before returning
// context.DeadlineExceeded; the child never outlives its timeout.
func (p *ShellProcess) waitWithContext(ctx context.Context, cmd *exec.Cmd) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		p.terminate()
		<-done
		return context.DeadlineExceeded
	}
}

// streamCLI implements socket_raw_mode=cli: stdout+stderr merged, read
// in a background goroutine and delivered to the sink every ~50ms tick
// as a JSON text frame.
func (p *ShellProcess) streamCLI(r io.Reader, out *bytes.Buffer) {
	chunks := make(chan []byte, 64)
	go func() {
		defer close(chunks)
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				chunks <- chunk
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(stdoutPollInterval)
	defer ticker.Stop()

	var pending bytes.Buffer
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				p.flushCLI(&pending, out)
				return
			}
			pending.Write(chunk)
			out.Write(chunk)
		case <-ticker.C:
			p.flushCLI(&pending, out)
		}
	}
}

func (p *ShellProcess) flushCLI(pending *bytes.Buffer, out *bytes.Buffer) {
	if pending.Len() == 0 {
		return
	}
	frame, err := json.Marshal(map[string]string{"type": "stdout", "data": pending.String()})
	pending.Reset()
	if err != nil {
		return
	}
	p.sink.SendText(p.key, frame)
}

var (
	jpegStart = []byte{0xFF, 0xD8}
	jpegEnd   = []byte{0xFF, 0xD9}
)

// streamJPEG implements socket_raw_mode=jpeg_stream: stdout read in 8KiB
// chunks, complete JPEG frames extracted between FF D8 and FF D9 and
// sent as binary frames with a u32-length-prefixed type+data envelope.
func (p *ShellProcess) streamJPEG(r io.Reader) {
	var buf bytes.Buffer
	chunk := make([]byte, jpegChunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			p.extractJPEGFrames(&buf)
		}
		if err != nil {
			return
		}
	}
}

func (p *ShellProcess) extractJPEGFrames(buf *bytes.Buffer) {
	for {
		data := buf.Bytes()
		start := bytes.Index(data, jpegStart)
		if start < 0 {
			buf.Reset()
			return
		}
		if start > 0 {
			// Discard bytes preceding the first FF D8.
			buf.Next(start)
			data = buf.Bytes()
		}
		end := bytes.Index(data[2:], jpegEnd)
		if end < 0 {
			return // partial frame; retained across reads
		}
		frameLen := end + 4
		frame := make([]byte, frameLen)
		copy(frame, data[:frameLen])
		buf.Next(frameLen)
		p.sink.SendBinary(p.key, encodeJPEGEnvelope(frame))
	}
}

// encodeJPEGEnvelope wraps a complete JPEG frame in the binary
// sub-frame format the browser client decodes:
// u32 be type_len | type bytes | u32 be data_len | data.
func encodeJPEGEnvelope(data []byte) []byte {
	const contentType = "image/jpeg"
	out := make([]byte, 0, 4+len(contentType)+4+len(data))
	out = binary.BigEndian.AppendUint32(out, uint32(len(contentType)))
	out = append(out, contentType...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(data)))
	out = append(out, data...)
	return out
}

// WriteStdin implements Handle: inbound WebSocket frames are written
// verbatim to the child's stdin, except control frames (handled by the
// gateway before calling WriteStdin; see Control).
func (p *ShellProcess) WriteStdin(data []byte) error {
	p.mu.Lock()
	stdin := p.stdin
	p.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("process has no stdin pipe")
	}
	_, err := stdin.Write(data)
	return err
}

// Control delivers a control character to the process group: 'C' ->
// SIGINT, 'D' -> close stdin, 'Z' -> SIGTSTP.
func (p *ShellProcess) Control(ctrlChar byte) error {
	p.mu.Lock()
	cmd := p.cmd
	stdin := p.stdin
	p.mu.Unlock()

	switch ctrlChar {
	case 'D':
		if stdin != nil {
			return stdin.Close()
		}
		return nil
	case 'C':
		return p.signalGroup(cmd, syscall.SIGINT)
	case 'Z':
		return p.signalGroup(cmd, syscall.SIGTSTP)
	default:
		return fmt.Errorf("unknown control character %q", ctrlChar)
	}
}

func (p *ShellProcess) signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, sig)
}

// Abort marks the process aborted and issues a graceful terminate (SIGTERM
// to the process group, 5s grace) followed by SIGKILL.
func (p *ShellProcess) Abort() {
	p.mu.Lock()
	p.aborted = true
	p.mu.Unlock()
	p.terminate()
}

func (p *ShellProcess) terminate() {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	syscall.Kill(pgid, syscall.SIGTERM)
	go func() {
		time.Sleep(abortGrace)
		syscall.Kill(pgid, syscall.SIGKILL)
	}()
}

// controlFrame is the JSON shape a text frame decodes into when it
// requests a control signal rather than raw stdin bytes.
type controlFrame struct {
	Type string `json:"type"`
	Char string `json:"char"`
}

// IsControlFrame reports whether payload is a {"type":"control","char":c}
// text frame and, if so, returns its character.
func IsControlFrame(payload []byte) (byte, bool) {
	var cf controlFrame
	if err := json.Unmarshal(payload, &cf); err != nil {
		return 0, false
	}
	if cf.Type != "control" || len(cf.Char) != 1 {
		return 0, false
	}
	c := strings.ToUpper(cf.Char)[0]
	if c != 'C' && c != 'D' && c != 'Z' {
		return 0, false
	}
	return c, true
}

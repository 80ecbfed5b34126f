package transport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/stevennyman/webbt/internal/protocol"
)

// maxFrameSize bounds a single native message. The browser native-messaging
// limit for host-to-extension messages is 1 MB.
const maxFrameSize = 1024 * 1024

// processTransport runs the host binary and speaks the native-messaging wire
// format over its stdio: each message is a 32-bit little-endian byte length
// followed by that many bytes of JSON.
type processTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	logger *logrus.Logger

	sendMu sync.Mutex
	closed bool
}

// NewProcessFactory returns a Factory that spawns hostPath on demand.
func NewProcessFactory(hostPath string, logger *logrus.Logger) Factory {
	if logger == nil {
		logger = logrus.New()
	}
	return func(onMessage Handler, onDisconnect func(error)) (Transport, error) {
		cmd := exec.Command(hostPath)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("failed to start native host %s: %w", hostPath, err)
		}

		logger.WithFields(logrus.Fields{
			"host": hostPath,
			"pid":  cmd.Process.Pid,
		}).Info("Started native host process")

		t := &processTransport{
			cmd:    cmd,
			stdin:  stdin,
			stdout: stdout,
			logger: logger,
		}
		go t.readLoop(onMessage, onDisconnect)
		return t, nil
	}
}

func (t *processTransport) readLoop(onMessage Handler, onDisconnect func(error)) {
	var header [4]byte
	for {
		if _, err := io.ReadFull(t.stdout, header[:]); err != nil {
			t.finish(err, onDisconnect)
			return
		}
		size := binary.LittleEndian.Uint32(header[:])
		if size > maxFrameSize {
			t.finish(fmt.Errorf("native message of %d bytes exceeds frame limit", size), onDisconnect)
			return
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(t.stdout, payload); err != nil {
			t.finish(err, onDisconnect)
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			t.logger.WithError(err).Warn("Discarding undecodable native message")
			continue
		}
		onMessage(env)
	}
}

func (t *processTransport) finish(err error, onDisconnect func(error)) {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		err = nil
	}
	if err != nil {
		t.logger.WithError(err).Warn("Native host channel broke")
	} else {
		t.logger.Debug("Native host channel closed")
	}
	_ = t.cmd.Wait()
	onDisconnect(err)
}

func (t *processTransport) Send(msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("native message of %d bytes exceeds frame limit", len(payload))
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if t.closed {
		return errors.New("native host channel is closed")
	}

	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := t.stdin.Write(header[:]); err != nil {
		return err
	}
	_, err = t.stdin.Write(payload)
	return err
}

func (t *processTransport) Close() error {
	t.sendMu.Lock()
	if t.closed {
		t.sendMu.Unlock()
		return nil
	}
	t.closed = true
	t.sendMu.Unlock()

	// Closing stdin asks the host to exit; the read loop reaps the process.
	return t.stdin.Close()
}

package crosstab

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileChannel implements Channel across processes: same-origin tabs append
// JSON lines to a shared spool file and watch it with fsnotify. Appends stay
// below the pipe-atomic write size, so concurrent tabs never interleave
// lines.
type FileChannel struct {
	path     string
	senderID string
	watcher  *fsnotify.Watcher

	mu       sync.Mutex
	offset   int64
	handlers map[int]func(Message)
	nextID   int
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

type FileChannelOptions struct {
	// SenderID overrides the generated tab identity, for tests.
	SenderID string
	Logger   Logger
}

type Logger interface {
	Printf(format string, args ...any)
}

func NewFileChannel(path string) (*FileChannel, error) {
	return NewFileChannelWithOptions(path, FileChannelOptions{})
}

func NewFileChannelWithOptions(path string, opts FileChannelOptions) (*FileChannel, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, os.ErrInvalid
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	// Touch the spool so the watcher has something to attach to.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	_ = f.Close()

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	senderID := strings.TrimSpace(opts.SenderID)
	if senderID == "" {
		senderID = newSenderID()
	}
	ch := &FileChannel{
		path:     path,
		senderID: senderID,
		watcher:  watcher,
		offset:   info.Size(),
		handlers: map[int]func(Message){},
		done:     make(chan struct{}),
	}
	ch.wg.Add(1)
	go ch.watchLoop(opts.Logger)
	return ch, nil
}

func (c *FileChannel) Broadcast(msgType MessageType, payload any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	msg, err := buildMessage(msgType, payload, c.senderID)
	if err != nil {
		return err
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, writeErr := f.Write(line)
	closeErr := f.Close()
	if writeErr != nil {
		return writeErr
	}
	// The watcher-driven drain reads our own line back and discards it by
	// sender ID. Advancing the offset here instead would skip any foreign
	// line that landed between our last drain and this append.
	return closeErr
}

func (c *FileChannel) OnMessage(handler func(Message)) func() {
	if handler == nil {
		return func() {}
	}
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = handler
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.handlers, id)
			c.mu.Unlock()
		})
	}
}

func (c *FileChannel) SenderID() string { return c.senderID }

func (c *FileChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)
	err := c.watcher.Close()
	c.wg.Wait()
	return err
}

func (c *FileChannel) watchLoop(logger Logger) {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			c.drain(logger)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			if logger != nil {
				logger.Printf("crosstab watch error: %v", err)
			}
		}
	}
}

// drain reads lines appended since the last offset and dispatches every
// message from another sender.
func (c *FileChannel) drain(logger Logger) {
	c.mu.Lock()
	offset := c.offset
	c.mu.Unlock()

	f, err := os.Open(c.path)
	if err != nil {
		return
	}
	defer f.Close()
	if _, err := f.Seek(offset, 0); err != nil {
		return
	}

	scanner := bufio.NewScanner(f)
	consumed := int64(0)
	var incoming []Message
	for scanner.Scan() {
		line := scanner.Bytes()
		consumed += int64(len(line)) + 1
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			if logger != nil {
				logger.Printf("crosstab: dropping malformed message: %v", err)
			}
			continue
		}
		if msg.SenderID == c.senderID {
			continue
		}
		incoming = append(incoming, msg)
	}

	c.mu.Lock()
	c.offset = offset + consumed
	handlers := make([]func(Message), 0, len(c.handlers))
	for _, handler := range c.handlers {
		handlers = append(handlers, handler)
	}
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	for _, msg := range incoming {
		for _, handler := range handlers {
			handler(msg)
		}
	}
}

//go:build linux

package hotkey

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	evKey      = 1
	keyPress   = 1
	keyRelease = 0
	keyLCtrl   = 29
	keyRCtrl   = 97
	keyLShift  = 42
	keyRShift  = 54
)

var keyCodes = map[Key]uint16{
	KeySpace: 57,
	KeyF9:    67,
	KeyF10:   68,
	KeyF11:   87,
	KeyF12:   88,
}

const inputEventSize = 24

type linuxHotkey struct {
	combo   Combo
	code    uint16
	keydown chan struct{}
	keyup   chan struct{}
	files   []*os.File
	stop    chan struct{}
	once    sync.Once
}

// New listens on the evdev keyboards, which needs membership of the
// input group.
func New(c Combo) Hotkey {
	return &linuxHotkey{
		combo:   c,
		code:    keyCodes[c.Key],
		keydown: make(chan struct{}, 1),
		keyup:   make(chan struct{}, 1),
	}
}

func (h *linuxHotkey) Register() error {
	if h.code == 0 {
		return fmt.Errorf("unsupported key %q", h.combo.Key)
	}
	keyboards, err := findKeyboards()
	if err != nil {
		return fmt.Errorf("finding keyboards: %w", err)
	}
	if len(keyboards) == 0 {
		return fmt.Errorf("no keyboard devices found (is user in 'input' group?)")
	}

	h.stop = make(chan struct{})

	for _, path := range keyboards {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		h.files = append(h.files, f)
		go h.readEvents(f)
	}

	if len(h.files) == 0 {
		return fmt.Errorf("could not open any keyboard device (run: sudo usermod -aG input $USER, then re-login)")
	}

	return nil
}

// comboState tracks one keyboard's modifiers and whether the combo key is
// currently held down as part of a recognised press.
type comboState struct {
	ctrl, shift, held bool
}

// feed applies one key event and reports a press (+1), release (-1) or
// nothing (0) of the combo.
func (s *comboState) feed(c Combo, code uint16, keyCode uint16, value int32) int {
	pressed := value == keyPress
	released := value == keyRelease

	switch code {
	case keyLCtrl, keyRCtrl:
		s.ctrl = pressed || (!released && s.ctrl)
	case keyLShift, keyRShift:
		s.shift = pressed || (!released && s.shift)
	case keyCode:
		if pressed && !s.held && (!c.Ctrl || s.ctrl) && (!c.Shift || s.shift) {
			s.held = true
			return 1
		}
		if released && s.held {
			s.held = false
			return -1
		}
	}
	return 0
}

func (h *linuxHotkey) readEvents(f *os.File) {
	buf := make([]byte, inputEventSize*16)
	var st comboState

	for {
		select {
		case <-h.stop:
			return
		default:
		}

		n, err := f.Read(buf)
		if err != nil {
			return
		}

		for i := 0; i+inputEventSize <= n; i += inputEventSize {
			evType := binary.LittleEndian.Uint16(buf[i+16:])
			evCode := binary.LittleEndian.Uint16(buf[i+18:])
			evValue := int32(binary.LittleEndian.Uint32(buf[i+20:]))

			if evType != evKey {
				continue
			}

			switch st.feed(h.combo, evCode, h.code, evValue) {
			case 1:
				select {
				case h.keydown <- struct{}{}:
				default:
				}
			case -1:
				select {
				case h.keyup <- struct{}{}:
				default:
				}
			}
		}
	}
}

func (h *linuxHotkey) Unregister() {
	h.once.Do(func() {
		if h.stop != nil {
			close(h.stop)
		}
		for _, f := range h.files {
			f.Close()
		}
	})
}

func (h *linuxHotkey) Keydown() <-chan struct{} {
	return h.keydown
}

func (h *linuxHotkey) Keyup() <-chan struct{} {
	return h.keyup
}

func findKeyboards() ([]string, error) {
	entries, err := os.ReadDir("/dev/input")
	if err != nil {
		return nil, err
	}

	var keyboards []string
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "event") {
			continue
		}
		if isKeyboard(e.Name()) {
			keyboards = append(keyboards, filepath.Join("/dev/input", e.Name()))
		}
	}
	return keyboards, nil
}

func isKeyboard(eventName string) bool {
	capsPath := filepath.Join("/sys/class/input", eventName, "device", "capabilities", "key")
	data, err := os.ReadFile(capsPath)
	if err != nil {
		return false
	}
	caps := strings.TrimSpace(string(data))
	return len(caps) > 10
}

package audio

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"
)

var ErrSelectionAborted = errors.New("device selection aborted")

// SelectDevice presents an interactive device picker on the terminal and
// returns the chosen device. A single device is returned without prompting.
func SelectDevice(ctx Context) (*DeviceInfo, error) {
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}

	if len(devices) == 0 {
		return nil, fmt.Errorf("no capture devices found")
	}

	if len(devices) == 1 {
		return &devices[0], nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("device picker needs a terminal; pass -device instead")
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("setting raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	p := picker{devices: devices}
	p.render(false)

	buf := make([]byte, 3)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("reading input: %w", err)
		}

		done, err := p.handle(buf[:n])
		if err != nil {
			fmt.Print("\r\n")
			return nil, err
		}
		if done {
			fmt.Print("\r\n")
			return &devices[p.cursor], nil
		}
		p.render(true)
	}
}

type picker struct {
	devices []DeviceInfo
	cursor  int
}

// handle applies one keypress. It reports whether the selection is complete.
func (p *picker) handle(key []byte) (bool, error) {
	switch {
	case len(key) == 1:
		switch key[0] {
		case '\r', '\n':
			return true, nil
		case 3, 'q': // Ctrl+C
			return false, ErrSelectionAborted
		case 'j':
			p.move(1)
		case 'k':
			p.move(-1)
		}
	case len(key) == 3 && key[0] == 0x1b && key[1] == '[':
		switch key[2] {
		case 'A':
			p.move(-1)
		case 'B':
			p.move(1)
		}
	}
	return false, nil
}

func (p *picker) move(delta int) {
	p.cursor = min(max(p.cursor+delta, 0), len(p.devices)-1)
}

func (p *picker) render(redraw bool) {
	if redraw {
		fmt.Printf("\x1b[%dA", len(p.devices)+2)
	}
	fmt.Print("\r\x1b[J")
	fmt.Print("Select microphone (↑/↓, Enter to confirm):\r\n\r\n")
	for i, d := range p.devices {
		btTag := ""
		if IsBluetooth(d.Name) {
			btTag = " \x1b[33m[hands-free profile, lower quality]\x1b[0m"
		}
		if i == p.cursor {
			fmt.Printf("  \x1b[1;36m▶ %s%s\x1b[0m\r\n", d.Name, btTag)
		} else {
			fmt.Printf("    %s%s\r\n", d.Name, btTag)
		}
	}
}

package ui

import "github.com/eiannone/keyboard"

// KeyEsc is delivered when the user presses escape or Ctrl-C.
const KeyEsc rune = 27

// StartKeyEvents opens the terminal keyboard and streams key presses as
// runes. The returned stop function restores the terminal; the channel closes
// after stop or on a read error.
func StartKeyEvents() (<-chan rune, func(), error) {
	if err := keyboard.Open(); err != nil {
		return nil, nil, err
	}

	ch := make(chan rune, 8)
	go func() {
		defer close(ch)
		for {
			r, key, err := keyboard.GetKey()
			if err != nil {
				return
			}
			switch {
			case key == keyboard.KeyEsc || key == keyboard.KeyCtrlC:
				ch <- KeyEsc
			case r != 0:
				ch <- r
			}
		}
	}()

	stop := func() { _ = keyboard.Close() }
	return ch, stop, nil
}

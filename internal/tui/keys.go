package tui

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines all keyboard bindings for the viewer.
type KeyMap struct {
	Ready     key.Binding
	Chat      key.Binding
	Send      key.Binding
	Escape    key.Binding
	Verbosity key.Binding
	Quit      key.Binding
}

func DefaultKeyMap() KeyMap {
	return KeyMap{
		Ready: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "toggle ready"),
		),
		Chat: key.NewBinding(
			key.WithKeys("c", "/"),
			key.WithHelp("c", "chat"),
		),
		Send: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "send"),
		),
		Escape: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "cancel"),
		),
		Verbosity: key.NewBinding(
			key.WithKeys("v"),
			key.WithHelp("v", "log verbosity"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

func (k KeyMap) help() []key.Binding {
	return []key.Binding{k.Ready, k.Chat, k.Verbosity, k.Quit}
}

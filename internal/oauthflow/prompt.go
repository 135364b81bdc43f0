package oauthflow

import (
	"fmt"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/unkcaicai/ccswitch/internal/ccerr"
	"github.com/unkcaicai/ccswitch/internal/providerset"
)

var (
	promptTitleStyle = lipgloss.NewStyle().Bold(true)
	promptErrStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	promptHintStyle  = lipgloss.NewStyle().Faint(true)
)

// TerminalPrompter answers flow questions interactively in the terminal.
type TerminalPrompter struct{}

// ConfirmAddAccount asks a yes/no question about adding another account.
func (TerminalPrompter) ConfirmAddAccount(provider providerset.Provider, existing int) (bool, error) {
	question := fmt.Sprintf("%d %s account(s) already exist. Add another?", existing, provider)
	return runConfirm(question)
}

// AskNickname collects a nickname, re-prompting until validate passes.
func (TerminalPrompter) AskNickname(provider providerset.Provider, validate func(string) error) (string, error) {
	title := fmt.Sprintf("Pick a nickname for this %s account", provider)
	return runTextInput(title, "nickname", validate)
}

// ConfirmInstall asks before installing a gated sidecar version.
func (TerminalPrompter) ConfirmInstall(version, reason string) bool {
	ok, err := runConfirm(fmt.Sprintf("Install sidecar %s anyway? (%s)", version, reason))
	return err == nil && ok
}

type confirmModel struct {
	question string
	answer   bool
	decided  bool
}

func (m confirmModel) Init() tea.Cmd { return nil }

func (m confirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "y", "Y", "enter":
			m.answer = true
			m.decided = true
			return m, tea.Quit
		case "n", "N", "esc", "ctrl+c":
			m.answer = false
			m.decided = true
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m confirmModel) View() string {
	return promptTitleStyle.Render(m.question) + promptHintStyle.Render("  [y/N] ") + "\n"
}

func runConfirm(question string) (bool, error) {
	final, err := tea.NewProgram(confirmModel{question: question}).Run()
	if err != nil {
		return false, ccerr.Wrap(ccerr.UserCancelled, "prompt failed", err)
	}
	m := final.(confirmModel)
	if !m.decided {
		return false, nil
	}
	return m.answer, nil
}

type textInputModel struct {
	title    string
	input    textinput.Model
	validate func(string) error
	errText  string
	value    string
	done     bool
	aborted  bool
}

func newTextInputModel(title, placeholder string, validate func(string) error) textInputModel {
	ti := textinput.New()
	ti.Placeholder = placeholder
	ti.CharLimit = 64
	ti.Focus()
	return textInputModel{title: title, input: ti, validate: validate}
}

func (m textInputModel) Init() tea.Cmd { return textinput.Blink }

func (m textInputModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "enter":
			candidate := m.input.Value()
			if err := m.validate(candidate); err != nil {
				m.errText = err.Error()
				return m, nil
			}
			m.value = candidate
			m.done = true
			return m, tea.Quit
		case "esc", "ctrl+c":
			m.aborted = true
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m textInputModel) View() string {
	view := promptTitleStyle.Render(m.title) + "\n" + m.input.View() + "\n"
	if m.errText != "" {
		view += promptErrStyle.Render(m.errText) + "\n"
	}
	return view
}

func runTextInput(title, placeholder string, validate func(string) error) (string, error) {
	final, err := tea.NewProgram(newTextInputModel(title, placeholder, validate)).Run()
	if err != nil {
		return "", ccerr.Wrap(ccerr.UserCancelled, "prompt failed", err)
	}
	m := final.(textInputModel)
	if m.aborted || !m.done {
		return "", ccerr.New(ccerr.UserCancelled, "prompt cancelled")
	}
	return m.value, nil
}

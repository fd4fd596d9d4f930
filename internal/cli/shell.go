// Package cli drives the study chat views from a line-oriented terminal.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/peterh/liner"
	"gwi.com/study-assistant/internal/catalog"
	"gwi.com/study-assistant/internal/core"
	"gwi.com/study-assistant/internal/store"
)

var (
	userLabel  = color.New(color.FgGreen, color.Bold).SprintFunc()
	aiLabel    = color.New(color.FgCyan, color.Bold).SprintFunc()
	infoText   = color.New(color.FgYellow).SprintFunc()
	errorText  = color.New(color.FgRed).SprintFunc()
	dimText    = color.New(color.Faint).SprintFunc()
	titleText  = color.New(color.Bold).SprintFunc()
	markText   = color.New(color.FgGreen, color.Bold).SprintFunc()
	errUnknown = errors.New("unknown command")
)

// MaterialsSource lists study materials; the API client satisfies it.
type MaterialsSource interface {
	StudyMaterials(ctx context.Context, subject, unit string) ([]store.Material, error)
}

// Shell is the workspace view: a sidebar of the selected subject's chats, the
// current chat's transcript and a composer, rendered as commands and text.
type Shell struct {
	ws        *core.Workspace
	catalog   *catalog.Catalog
	in        LineReader
	out       io.Writer
	materials MaterialsSource
}

func NewShell(ws *core.Workspace, cat *catalog.Catalog, in LineReader, out io.Writer) *Shell {
	return &Shell{ws: ws, catalog: cat, in: in, out: out}
}

func (s *Shell) WithMaterials(src MaterialsSource) *Shell {
	s.materials = src
	return s
}

// Run reads lines until /quit, EOF or Ctrl+C.
func (s *Shell) Run(ctx context.Context) error {
	fmt.Fprintln(s.out, titleText("Study assistant")+dimText("  (/help for commands)"))
	s.printTranscript()

	for {
		line, err := s.in.Prompt(s.prompt())
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				fmt.Fprintln(s.out)
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := s.command(ctx, line)
			if err != nil {
				fmt.Fprintf(s.out, "%s %v\n", errorText("[Error]"), err)
			}
			if quit {
				return nil
			}
			continue
		}
		s.send(ctx, line)
	}
}

func (s *Shell) prompt() string {
	return fmt.Sprintf("%s/%s> ", s.ws.SelectedSubject(), s.ws.SelectedUnit())
}

// send composes text into the draft and sends it to the current chat, then
// blocks until the exchange settles.
func (s *Shell) send(ctx context.Context, text string) {
	s.ws.SetDraft(text)
	done, ok := s.ws.SendDraft(ctx)
	if !ok {
		fmt.Fprintln(s.out, infoText("Message not sent."))
		return
	}
	fmt.Fprintln(s.out, dimText("thinking..."))
	select {
	case <-done:
	case <-ctx.Done():
		return
	}
	if chat, ok := s.ws.CurrentChat(); ok {
		if last := chat.LastMessage(); last != nil && last.Sender == store.SenderAI {
			printMessage(s.out, *last)
		}
	}
}

func (s *Shell) command(ctx context.Context, line string) (quit bool, err error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(name) {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		s.printHelp()
	case "/new":
		chat := s.ws.CreateChat("", "", arg)
		fmt.Fprintf(s.out, "%s %s\n", infoText("Created"), chat.Title)
		s.printTranscript()
	case "/list":
		s.printChats(s.ws.SubjectChats())
	case "/search":
		s.printChats(s.ws.SearchChats(arg))
	case "/select":
		chat, err := s.chatAt(arg)
		if err != nil {
			return false, err
		}
		s.ws.SelectChat(chat.ID)
		s.printTranscript()
	case "/delete":
		target, err := s.chatAt(arg)
		if err != nil {
			return false, err
		}
		if !s.ws.DeleteChat(target.ID) {
			fmt.Fprintf(s.out, "%s\n", infoText("Cannot delete the last chat of "+s.catalog.DisplayName(target.Subject)+"."))
			return false, nil
		}
		fmt.Fprintf(s.out, "%s %s\n", infoText("Deleted"), target.Title)
	case "/title":
		if !s.ws.EditChatTitle(s.ws.CurrentChatID(), arg) {
			return false, fmt.Errorf("no chat selected")
		}
		fmt.Fprintf(s.out, "%s %q\n", infoText("Title set to"), arg)
	case "/subject":
		if !s.ws.ChangeSubject(arg) {
			return false, fmt.Errorf("unknown subject %q (see /subjects)", arg)
		}
		s.printTranscript()
	case "/unit":
		if !s.ws.ChangeUnit(arg) {
			return false, fmt.Errorf("unknown unit %q for %s", arg, s.catalog.DisplayName(s.ws.SelectedSubject()))
		}
		fmt.Fprintf(s.out, "%s %s\n", infoText("New chats will use unit"), arg)
	case "/subjects":
		s.printSubjects()
	case "/history":
		s.printTranscript()
	case "/materials":
		return false, s.printMaterials(ctx)
	default:
		return false, fmt.Errorf("%w %s", errUnknown, name)
	}
	return false, nil
}

// chatAt resolves a 1-based index into the sidebar listing; an empty
// argument means the current chat.
func (s *Shell) chatAt(arg string) (store.Chat, error) {
	if arg == "" {
		chat, ok := s.ws.CurrentChat()
		if !ok {
			return store.Chat{}, fmt.Errorf("no chat selected")
		}
		return chat, nil
	}
	n, err := strconv.Atoi(arg)
	chats := s.ws.SubjectChats()
	if err != nil || n < 1 || n > len(chats) {
		return store.Chat{}, fmt.Errorf("no chat number %s (see /list)", arg)
	}
	return chats[n-1], nil
}

func (s *Shell) printChats(chats []store.Chat) {
	if len(chats) == 0 {
		fmt.Fprintln(s.out, infoText("No chats found."))
		return
	}
	current := s.ws.CurrentChatID()
	for i, c := range chats {
		mark := " "
		if c.ID == current {
			mark = markText("*")
		}
		preview := ""
		if last := c.LastMessage(); last != nil {
			preview = truncate(last.Content, 48)
		}
		title := c.Title
		if title == "" {
			title = "(untitled)"
		}
		pending := ""
		if s.ws.IsPending(c.ID) {
			pending = dimText(" [waiting]")
		}
		fmt.Fprintf(s.out, "%s %d. %s %s%s\n", mark, i+1, titleText(title), dimText(c.Unit+" · "+preview), pending)
	}
}

func (s *Shell) printTranscript() {
	chat, ok := s.ws.CurrentChat()
	if !ok {
		return
	}
	fmt.Fprintf(s.out, "%s %s\n", titleText("== "+chat.Title), dimText("("+s.catalog.DisplayName(chat.Subject)+", "+chat.Unit+")"))
	for _, m := range chat.Messages {
		printMessage(s.out, m)
	}
}

func (s *Shell) printSubjects() {
	selected := s.ws.SelectedSubject()
	for _, subj := range s.catalog.Subjects() {
		mark := " "
		if subj.ID == selected {
			mark = markText("*")
		}
		fmt.Fprintf(s.out, "%s %s %s\n", mark, titleText(subj.ID), dimText(subj.Name+": "+strings.Join(subj.Units, ", ")))
	}
}

func (s *Shell) printMaterials(ctx context.Context) error {
	if s.materials == nil {
		return fmt.Errorf("study materials need a server connection (run with -remote)")
	}
	subject, unit := s.ws.SelectedSubject(), s.ws.SelectedUnit()
	materials, err := s.materials.StudyMaterials(ctx, subject, unit)
	if err != nil {
		return err
	}
	if len(materials) == 0 {
		fmt.Fprintf(s.out, "%s\n", infoText("No materials for "+s.catalog.DisplayName(subject)+", "+unit+"."))
		return nil
	}
	for _, m := range materials {
		fmt.Fprintf(s.out, "- %s %s\n", titleText(m.Title), dimText(truncate(m.Content, 60)))
	}
	return nil
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.out, `Commands:
  /new [title]       start a chat in the selected subject and unit
  /list              list the subject's chats (newest first)
  /search <text>     filter chats by title or last message
  /select <n>        open chat n from /list
  /delete [n]        delete chat n, or the current chat
  /title <text>      rename the current chat
  /subject <id>      switch subject (see /subjects)
  /unit <name>       set the unit for new chats
  /subjects          list subjects and units
  /materials         list study materials for the selected unit
  /history           show the current chat again
  /quit              leave
Anything else is sent to the current chat.`)
}

func printMessage(w io.Writer, m store.Message) {
	label := userLabel("You:")
	if m.Sender == store.SenderAI {
		label = aiLabel("Assistant:")
	}
	fmt.Fprintf(w, "%s %s\n", label, m.Content)
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// RunBasic drives the single-thread view: every line is sent to the thread
// until /quit, EOF or Ctrl+C.
func RunBasic(ctx context.Context, th *core.Thread, in LineReader, out io.Writer) error {
	for _, m := range th.Messages() {
		printMessage(out, m)
	}
	for {
		line, err := in.Prompt("> ")
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				fmt.Fprintln(out)
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		if line == "/quit" || line == "/exit" {
			return nil
		}
		done, ok := th.Send(ctx, line)
		if !ok {
			continue
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		msgs := th.Messages()
		printMessage(out, msgs[len(msgs)-1])
	}
}

package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// processWait bounds how long an external filter may run.
const processWait = 60 * time.Second

// ProcessFilter pipes matching statuses through an external program.
//
// The program reads a header block, a blank line and the content on stdin.
// It writes the new content to stdout, optionally preceded by headers and a
// blank line. Filter-Drop and Filter-IRCMessageType headers are honoured.
type ProcessFilter struct {
	FilterBase     `yaml:",inline"`
	ProcessPath    string   `yaml:"path"`
	Arguments      []string `yaml:"arguments,omitempty"`
	MessageType    string   `yaml:"message_type,omitempty"`
	InputEncoding  string   `yaml:"input_encoding,omitempty"`
	OutputEncoding string   `yaml:"output_encoding,omitempty"`

	timeout time.Duration
}

func newProcessFilter() *ProcessFilter {
	return &ProcessFilter{
		FilterBase: FilterBase{Enabled: true},
		timeout:    processWait,
	}
}

func (f *ProcessFilter) Type() string { return "process" }

func (f *ProcessFilter) Clone() Filter {
	c := *f
	c.Arguments = append([]string(nil), f.Arguments...)
	return &c
}

func (f *ProcessFilter) String() string {
	return fmt.Sprintf("process %s path=%s", f.describe(), f.ProcessPath)
}

func (f *ProcessFilter) messageType() string {
	if f.MessageType == "" {
		return "PRIVMSG"
	}
	return strings.ToUpper(f.MessageType)
}

func (f *ProcessFilter) Execute(args *FilterArgs) (bool, error) {
	if f.ProcessPath == "" {
		return false, nil
	}

	ok, err := f.matches(args)
	if err != nil || !ok {
		return false, err
	}

	input, err := encodeText(f.InputEncoding, buildProcessInput(args))
	if err != nil {
		return false, err
	}

	timeout := f.timeout
	if timeout <= 0 {
		timeout = processWait
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.ProcessPath, f.Arguments...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return false, errors.Errorf("%s did not exit within %s", f.ProcessPath,
				timeout)
		}
		return false, errors.Wrapf(err, "error running %s", f.ProcessPath)
	}

	output, err := decodeText(f.OutputEncoding, stdout.Bytes())
	if err != nil {
		return false, err
	}

	headers, content, ok := parseProcessOutput(output)
	if !ok {
		return false, nil
	}

	args.Content = content

	if v, exists := headers["filter-drop"]; exists {
		drop, err := strconv.ParseBool(v)
		if err == nil {
			args.Drop = drop
		}
	}

	if v, exists := headers["filter-ircmessagetype"]; exists && v != "" {
		args.IRCMessageType = strings.ToUpper(v)
	} else {
		args.IRCMessageType = f.messageType()
	}

	return true, nil
}

func escapeHeaderValue(s string) string {
	return strings.NewReplacer(`\`, `\\`, "\r", `\r`, "\n", `\n`).Replace(s)
}

// buildProcessInput renders the document written to the program's stdin.
func buildProcessInput(args *FilterArgs) string {
	var b strings.Builder

	if args.User != nil && args.Status != nil {
		fmt.Fprintf(&b, "Url: %s/%s/statuses/%d\n",
			strings.TrimRight(args.WebURL, "/"), args.User.ScreenName,
			args.Status.ID)
	}

	if u := args.User; u != nil {
		fmt.Fprintf(&b, "User-Id: %d\n", u.ID)
		fmt.Fprintf(&b, "User-ScreenName: %s\n", escapeHeaderValue(u.ScreenName))
		fmt.Fprintf(&b, "User-Name: %s\n", escapeHeaderValue(u.Name))
		fmt.Fprintf(&b, "User-Description: %s\n",
			escapeHeaderValue(u.Description))
		fmt.Fprintf(&b, "User-Url: %s\n", escapeHeaderValue(u.URL))
	}

	if s := args.Status; s != nil {
		fmt.Fprintf(&b, "Status-Id: %d\n", s.ID)
		fmt.Fprintf(&b, "Status-Text: %s\n", escapeHeaderValue(s.Text))
		fmt.Fprintf(&b, "Status-CreatedAt: %s\n",
			s.CreatedAt.Format(time.RFC1123Z))
		if s.InReplyToID != 0 {
			fmt.Fprintf(&b, "Status-InReplyToId: %d\n", s.InReplyToID)
		}
	}

	fmt.Fprintf(&b, "Filter-Drop: %t\n", args.Drop)
	fmt.Fprintf(&b, "Filter-IRCMessageType: %s\n", args.IRCMessageType)
	b.WriteString("\n")
	b.WriteString(args.Content)

	return b.String()
}

// parseProcessOutput splits a program's output into headers and content.
// Header names are lower cased. ok is false for empty output.
func parseProcessOutput(output string) (map[string]string, string, bool) {
	output = strings.ReplaceAll(output, "\r\n", "\n")
	if strings.TrimSpace(output) == "" {
		return nil, "", false
	}

	headers := map[string]string{}
	parts := strings.SplitN(output, "\n\n", 2)
	if len(parts) == 1 {
		return headers, strings.TrimSpace(parts[0]), true
	}

	scanner := bufio.NewScanner(strings.NewReader(parts[0]))
	for scanner.Scan() {
		kv := strings.SplitN(scanner.Text(), ":", 2)
		if len(kv) != 2 {
			continue
		}
		headers[strings.ToLower(strings.TrimSpace(kv[0]))] =
			strings.TrimSpace(kv[1])
	}

	return headers, strings.TrimSpace(parts[1]), true
}

func lookupEncoding(name string) (encoding.Encoding, error) {
	if name == "" || strings.EqualFold(name, "utf-8") ||
		strings.EqualFold(name, "utf8") {
		return nil, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, errors.Wrapf(err, "unknown encoding %q", name)
	}
	return enc, nil
}

func encodeText(name, s string) ([]byte, error) {
	enc, err := lookupEncoding(name)
	if err != nil {
		return nil, err
	}
	if enc == nil {
		return []byte(s), nil
	}
	out, err := enc.NewEncoder().String(s)
	if err != nil {
		return nil, errors.Wrapf(err, "error encoding to %s", name)
	}
	return []byte(out), nil
}

func decodeText(name string, b []byte) (string, error) {
	enc, err := lookupEncoding(name)
	if err != nil {
		return "", err
	}
	if enc == nil {
		return string(b), nil
	}
	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", errors.Wrapf(err, "error decoding from %s", name)
	}
	return string(out), nil
}

// Package brain is the agent's persistent memory: a Markdown file the agent
// reads before every interaction and updates after. It is modeled as a
// mapping from "## " section headings to section bodies with an explicit
// upsert, never as in-place text substitution, and is guarded by the same
// lockfile primitive as the other shared state.
package brain

import (
	"fmt"
	"strings"
	"time"

	"relaybot/internal/lockfile"
	"relaybot/pkg/logx"
)

// maxEvents bounds the Recent History section, newest first.
const maxEvents = 50

const (
	historySection = "Recent History"
	prefsSection   = "User Preferences"
)

type Brain struct {
	path string
	log  logx.Logger

	now func() time.Time
}

func New(path string, log logx.Logger) *Brain {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Brain{path: path, log: log, now: time.Now}
}

// document is the parsed form: an optional preamble (everything before the
// first "## " heading, e.g. the "# Agent Brain" title) plus ordered sections.
type document struct {
	preamble string
	sections []section
}

type section struct {
	heading string
	body    string
}

func parse(data []byte) document {
	var doc document
	text := string(data)
	var cur *section
	var pre strings.Builder

	for _, line := range strings.Split(text, "\n") {
		if h, ok := strings.CutPrefix(line, "## "); ok {
			doc.sections = append(doc.sections, section{heading: strings.TrimSpace(h)})
			cur = &doc.sections[len(doc.sections)-1]
			continue
		}
		if cur == nil {
			pre.WriteString(line)
			pre.WriteString("\n")
			continue
		}
		cur.body += line + "\n"
	}

	doc.preamble = strings.TrimRight(pre.String(), "\n")
	for i := range doc.sections {
		doc.sections[i].body = strings.TrimSpace(doc.sections[i].body)
	}
	return doc
}

func (d document) render() []byte {
	var b strings.Builder
	if d.preamble != "" {
		b.WriteString(d.preamble)
		b.WriteString("\n")
	}
	for _, s := range d.sections {
		b.WriteString("\n## ")
		b.WriteString(s.heading)
		b.WriteString("\n")
		if s.body != "" {
			b.WriteString(s.body)
			b.WriteString("\n")
		}
	}
	return []byte(b.String())
}

func (d document) section(heading string) (string, bool) {
	for _, s := range d.sections {
		if s.heading == heading {
			return s.body, true
		}
	}
	return "", false
}

// upsert replaces the body of an existing section or appends a new one.
func (d *document) upsert(heading, body string) {
	for i := range d.sections {
		if d.sections[i].heading == heading {
			d.sections[i].body = strings.TrimSpace(body)
			return
		}
	}
	d.sections = append(d.sections, section{heading: heading, body: strings.TrimSpace(body)})
}

// Context returns the full brain content, initializing the file from the
// default template on first use.
func (b *Brain) Context() (string, error) {
	var out string
	err := lockfile.Update(b.path, func(data []byte) ([]byte, error) {
		if len(data) == 0 {
			out = defaultTemplate
			return []byte(defaultTemplate), nil
		}
		out = string(data)
		return nil, nil
	})
	return out, err
}

// ContextPrompt wraps the brain content in the instruction block injected
// ahead of every brain-aware agent call.
func (b *Brain) ContextPrompt() (string, error) {
	content, err := b.Context()
	if err != nil {
		return "", err
	}
	return "You are a persistent AI agent. Below is your brain — your memory " +
		"from previous sessions. Use it to maintain continuity. At the end " +
		"of this interaction, you will update your brain with anything new " +
		"you learned.\n\n<brain>\n" + content + "\n</brain>\n\n" +
		"Important: Respond naturally as a continuous being. Reference past " +
		"interactions when relevant. Remember user preferences.", nil
}

// Section returns the body under a "## " heading, or "" if absent.
func (b *Brain) Section(heading string) (string, error) {
	var out string
	err := lockfile.Read(b.path, func(data []byte) error {
		out, _ = parse(data).section(heading)
		return nil
	})
	return out, err
}

// UpdateSection replaces the content under heading, appending the section if
// it does not exist yet.
func (b *Brain) UpdateSection(heading, body string) error {
	return lockfile.Update(b.path, func(data []byte) ([]byte, error) {
		if len(data) == 0 {
			data = []byte(defaultTemplate)
		}
		doc := parse(data)
		doc.upsert(heading, body)
		return doc.render(), nil
	})
}

// AddEvent prepends a timestamped event to Recent History, dropping the
// oldest entries past the cap.
func (b *Brain) AddEvent(event string) error {
	return lockfile.Update(b.path, func(data []byte) ([]byte, error) {
		if len(data) == 0 {
			data = []byte(defaultTemplate)
		}
		doc := parse(data)

		entry := fmt.Sprintf("- [%s] %s", b.now().Format("2006-01-02 15:04"), event)
		body, _ := doc.section(historySection)
		lines := []string{entry}
		for _, l := range strings.Split(body, "\n") {
			if strings.HasPrefix(strings.TrimSpace(l), "- ") {
				lines = append(lines, l)
			}
		}
		if len(lines) > maxEvents {
			lines = lines[:maxEvents]
		}

		doc.upsert(historySection, strings.Join(lines, "\n"))
		return doc.render(), nil
	})
}

// UserPref returns the value of "- key: value" under User Preferences.
func (b *Brain) UserPref(key string) (string, error) {
	body, err := b.Section(prefsSection)
	if err != nil {
		return "", err
	}
	prefix := "- " + key + ":"
	for _, l := range strings.Split(body, "\n") {
		if strings.HasPrefix(strings.TrimSpace(l), prefix) {
			return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(l), prefix)), nil
		}
	}
	return "", nil
}

// SetUserPref adds or updates a "- key: value" line under User Preferences.
func (b *Brain) SetUserPref(key, value string) error {
	return lockfile.Update(b.path, func(data []byte) ([]byte, error) {
		if len(data) == 0 {
			data = []byte(defaultTemplate)
		}
		doc := parse(data)
		body, _ := doc.section(prefsSection)

		prefix := "- " + key + ":"
		var lines []string
		updated := false
		for _, l := range strings.Split(body, "\n") {
			t := strings.TrimSpace(l)
			if t == "" {
				continue
			}
			if strings.HasPrefix(t, prefix) {
				lines = append(lines, "- "+key+": "+value)
				updated = true
				continue
			}
			lines = append(lines, l)
		}
		if !updated {
			lines = append(lines, "- "+key+": "+value)
		}

		doc.upsert(prefsSection, strings.Join(lines, "\n"))
		return doc.render(), nil
	})
}

const defaultTemplate = `# Agent Brain

## Identity
- Name: Atlas
- Role: Personal AI agent

## Active Tasks
No active tasks.

## User Preferences
- Language: auto-detect

## Learned Patterns
No patterns learned yet.

## Recent History
No events yet.
`

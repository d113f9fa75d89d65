// Package event turns raw GitHub issue and issue_comment webhook payloads
// into normalized issue events.
package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"stegops/internal/domain"
	"stegops/internal/engine/auth"
)

// Env carries the run metadata supplied by the CI environment.
type Env struct {
	EventName string
	RunID     string
}

// EnvFromOS reads GITHUB_EVENT_NAME and GITHUB_RUN_ID.
func EnvFromOS() Env {
	return Env{EventName: os.Getenv("GITHUB_EVENT_NAME"), RunID: os.Getenv("GITHUB_RUN_ID")}
}

type Payload struct {
	Action  string   `json:"action"`
	Issue   *Issue   `json:"issue"`
	Comment *Comment `json:"comment"`
	Sender  *User    `json:"sender"`
}

type Issue struct {
	Number  Number  `json:"number"`
	Title   string  `json:"title"`
	Body    *string `json:"body"`
	State   string  `json:"state"`
	HTMLURL string  `json:"html_url"`
	User    *User   `json:"user"`
	Labels  []Label `json:"labels"`
}

type Comment struct {
	Body              *string `json:"body"`
	AuthorAssociation string  `json:"author_association"`
	User              *User   `json:"user"`
}

type User struct {
	Login string `json:"login"`
}

// Label accepts both the object form ({"name": "x"}) and a bare string.
type Label struct {
	Name string `json:"name"`
}

func (l *Label) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &l.Name)
	}
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	l.Name = obj.Name
	return nil
}

// Number is an issue number that tolerates string encodings and garbage.
// Anything that is not a positive integer decodes as zero.
type Number int

func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	s := strings.Trim(string(data), `"`)
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		if f, ferr := strconv.ParseFloat(s, 64); ferr == nil && f == float64(int(f)) {
			v = int(f)
		} else {
			v = 0
		}
	}
	*n = Number(v)
	return nil
}

// Decode parses a webhook payload.
func Decode(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("decode event payload: %w", err)
	}
	return p, nil
}

// Normalize maps p to an IssueEvent. ok is false when the payload does not
// carry a usable positive issue number.
func Normalize(p Payload, env Env) (domain.IssueEvent, bool) {
	if p.Issue == nil || p.Issue.Number <= 0 {
		return domain.IssueEvent{}, false
	}
	is := p.Issue
	evt := domain.IssueEvent{
		ID:        int(is.Number),
		Author:    "unknown",
		Title:     strings.TrimSpace(is.Title),
		URL:       strings.TrimSpace(is.HTMLURL),
		OpenState: strings.ToLower(strings.TrimSpace(is.State)),
		Kind:      env.EventName,
		RunID:     env.RunID,
	}
	if is.User != nil && strings.TrimSpace(is.User.Login) != "" {
		evt.Author = strings.TrimSpace(is.User.Login)
	}
	if evt.OpenState == "" {
		evt.OpenState = "open"
	}
	if is.Body != nil {
		evt.Body = *is.Body
	}
	names := make([]string, 0, len(is.Labels))
	for _, l := range is.Labels {
		names = append(names, l.Name)
	}
	evt.Labels = domain.SortedSet(names)
	if p.Sender != nil {
		evt.Actor = strings.TrimSpace(p.Sender.Login)
	}
	if p.Comment != nil && p.Comment.User != nil && strings.TrimSpace(p.Comment.User.Login) != "" {
		evt.Actor = strings.TrimSpace(p.Comment.User.Login)
	}
	if p.Comment != nil && p.Comment.Body != nil {
		body := *p.Comment.Body
		evt.Comment = &body
		evt.CommenterTrust = auth.NormalizeTrust(p.Comment.AuthorAssociation)
	}
	return evt, true
}

// Parse decodes and normalizes a payload in one step.
func Parse(data []byte, env Env) (domain.IssueEvent, bool, error) {
	p, err := Decode(data)
	if err != nil {
		return domain.IssueEvent{}, false, err
	}
	evt, ok := Normalize(p, env)
	return evt, ok, nil
}

// ReadFile loads and normalizes the payload stored at path.
func ReadFile(path string, env Env) (domain.IssueEvent, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.IssueEvent{}, false, fmt.Errorf("read event payload: %w", err)
	}
	return Parse(data, env)
}

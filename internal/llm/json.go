package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// StripCodeFence removes a surrounding markdown code block, if any.
func StripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}

	lines := strings.Split(text, "\n")
	endIdx := len(lines)
	for i := len(lines) - 1; i > 0; i-- {
		if strings.TrimSpace(lines[i]) == "```" {
			endIdx = i
			break
		}
	}
	if endIdx <= 1 {
		return ""
	}
	return strings.TrimSpace(strings.Join(lines[1:endIdx], "\n"))
}

// FlexString decodes a JSON string, number or bool as text. null decodes as "".
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*f = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
	case bytes.Equal(data, []byte("true")), bytes.Equal(data, []byte("false")):
		*f = FlexString(data)
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			*f = FlexString(strconv.FormatInt(i, 10))
		} else {
			*f = FlexString(n.String())
		}
	}
	return nil
}

// Criterion is one graded aspect of a conversation.
type Criterion struct {
	Grade   string
	Comment string
}

// UnmarshalJSON accepts {"grade","comment"} or a bare value taken as the grade.
func (c *Criterion) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var obj struct {
			Grade   FlexString `json:"grade"`
			Comment FlexString `json:"comment"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		c.Grade, c.Comment = string(obj.Grade), string(obj.Comment)
		return nil
	}

	var grade FlexString
	if err := json.Unmarshal(data, &grade); err != nil {
		return err
	}
	c.Grade, c.Comment = string(grade), ""
	return nil
}

// GradeDTO is the six-criterion verdict. Missing keys decode as empty values.
type GradeDTO struct {
	Tonality          Criterion  `json:"tonality"`
	Professionalism   Criterion  `json:"professionalism"`
	Clarity           Criterion  `json:"clarity"`
	ProblemSolving    Criterion  `json:"problem_solving"`
	ObjectionHandling Criterion  `json:"objection_handling"`
	Closure           Criterion  `json:"closure"`
	Summary           FlexString `json:"summary"`
	Recommendations   FlexString `json:"recommendations"`
}

// ParseGrade decodes an LLM reply into a GradeDTO, handling markdown code blocks.
// The reply must be a JSON object.
func ParseGrade(text string) (*GradeDTO, error) {
	text = StripCodeFence(text)
	if !strings.HasPrefix(text, "{") {
		return nil, fmt.Errorf("expected a JSON object, got %q", truncate(text, 80))
	}
	var g GradeDTO
	dec := json.NewDecoder(strings.NewReader(text))
	if err := dec.Decode(&g); err != nil {
		return nil, err
	}
	return &g, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

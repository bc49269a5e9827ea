package spec

import (
	"fmt"
	"strings"

	"github.com/sugawarayuuta/sonnet"
	"gopkg.in/yaml.v3"

	"github.com/dtabarie/pathoc/internal/websocket"
)

// document is one request in a YAML or JSON file. Exactly one of Raw,
// Method or Frame is expected.
type document struct {
	Raw     string         `yaml:"raw" json:"raw"`
	Method  string         `yaml:"method" json:"method"`
	Path    string         `yaml:"path" json:"path"`
	Proto   string         `yaml:"proto" json:"proto"`
	Headers []string       `yaml:"headers" json:"headers"`
	Body    string         `yaml:"body" json:"body"`
	Frame   *frameDocument `yaml:"frame" json:"frame"`
}

type frameDocument struct {
	Opcode  string  `yaml:"opcode" json:"opcode"`
	Payload string  `yaml:"payload" json:"payload"`
	Fin     *bool   `yaml:"fin" json:"fin"`
	Mask    *bool   `yaml:"mask" json:"mask"`
	Length  *uint64 `yaml:"length" json:"length"`
	// Code and Reason build a close payload.
	Code   int    `yaml:"code" json:"code"`
	Reason string `yaml:"reason" json:"reason"`
}

// parseYAML accepts a list of documents or a single one.
func parseYAML(data []byte) ([]document, error) {
	var docs []document
	if err := yaml.Unmarshal(data, &docs); err == nil {
		if len(docs) > 0 || strings.TrimSpace(string(data)) == "[]" {
			return docs, nil
		}
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return []document{doc}, nil
}

// parseJSON accepts an array of documents or a single object.
func parseJSON(data []byte) ([]document, error) {
	var docs []document
	if err := sonnet.Unmarshal(data, &docs); err == nil && len(docs) > 0 {
		return docs, nil
	}

	var doc document
	if err := sonnet.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return []document{doc}, nil
}

func compileDocuments(docs []document, http2 bool) ([]Request, error) {
	var reqs []Request
	for i, doc := range docs {
		compiled, err := doc.compile(http2)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i+1, err)
		}
		reqs = append(reqs, compiled...)
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("no requests found")
	}
	return reqs, nil
}

func (d document) compile(http2 bool) ([]Request, error) {
	switch {
	case d.Raw != "":
		return compileText(d.Raw, http2)

	case d.Frame != nil:
		f, err := d.Frame.compile()
		if err != nil {
			return nil, err
		}
		return []Request{f}, nil

	case d.Method != "":
		path := d.Path
		if path == "" {
			path = "/"
		}
		proto := d.Proto
		if proto == "" {
			proto = "HTTP/1.1"
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%s %s %s\n", d.Method, path, proto)
		for _, h := range d.Headers {
			b.WriteString(h + "\n")
		}
		if d.Body != "" {
			b.WriteString("\n" + d.Body)
		}
		req, err := compileHTTP(b.String(), http2)
		if err != nil {
			return nil, err
		}
		return []Request{req}, nil

	default:
		return nil, fmt.Errorf("document has no raw, method or frame")
	}
}

func (f *frameDocument) compile() (Request, error) {
	opcode := f.Opcode
	if opcode == "" {
		opcode = "text"
	}
	op, err := websocket.ParseOpcode(opcode)
	if err != nil {
		return Request{}, err
	}
	req := Request{
		Kind:    KindFrame,
		Opcode:  op,
		NoFin:   f.Fin != nil && !*f.Fin,
		NoMask:  f.Mask != nil && !*f.Mask,
		Length:  f.Length,
		Payload: f.Payload,
	}
	if f.Code != 0 {
		req.Payload = strings.TrimSpace(fmt.Sprintf("%d %s", f.Code, f.Reason))
	}
	return req, nil
}

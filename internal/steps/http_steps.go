package steps

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aretw0/parley/pkg/domain"
	"github.com/aretw0/parley/pkg/ports"
	"github.com/tidwall/gjson"
)

// maxResponseBody bounds how much of an API response is stored.
const maxResponseBody = 1 << 20

// Request is a templated outbound HTTP request.
type Request struct {
	Method  string
	URL     domain.Template
	Headers map[string]domain.Template
	Body    domain.Template
}

func (r *Request) build(ctx context.Context, env *Env) (*http.Request, error) {
	templates := []domain.Template{r.URL, r.Body}
	for _, h := range r.Headers {
		templates = append(templates, h)
	}
	values, err := env.Slots.Resolve(ctx, domain.TemplateSlots(templates...))
	if err != nil {
		return nil, err
	}

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if !r.Body.IsZero() {
		body = strings.NewReader(r.Body.Render(values))
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), r.URL.Render(values), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for name, h := range r.Headers {
		req.Header.Set(name, h.Render(values))
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (env *Env) httpClient() ports.HTTPDoer {
	if env.HTTP == nil {
		return http.DefaultClient
	}
	return env.HTTP
}

// APICallBehavior performs an HTTP call and stores the response body.
type APICallBehavior struct {
	Request
	JSONPath  string
	SaveTo    *domain.SlotPath
	OnSuccess string
	OnFail    string
}

func (b *APICallBehavior) run(ctx context.Context, s *Step, env *Env, _ string) (outcome, error) {
	req, err := b.build(ctx, env)
	if err != nil {
		return outcome{}, err
	}
	resp, err := env.httpClient().Do(req)
	if err != nil {
		return outcome{}, fmt.Errorf("%s %s: %w", req.Method, req.URL.Redacted(), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return outcome{}, fmt.Errorf("read response: %w", err)
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !ok {
		env.logger().Info("api call returned non-success status", "step", s.id, "status", resp.StatusCode)
	}

	value := &StepValue{Goto: route(ok, b.OnSuccess, b.OnFail)}
	if b.SaveTo != nil {
		value.Slots = []domain.SlotValuePair{{Path: *b.SaveTo, Value: ResponseValue(data, b.JSONPath)}}
	}
	return outcome{content: value}, nil
}

// ResponseValue decodes a response body. With a path, the value at that
// gjson path is returned, falling back to the raw body when the path does
// not resolve. JSON bodies decode to structured values, others to strings.
func ResponseValue(body []byte, path string) domain.Value {
	if path != "" && gjson.ValidBytes(body) {
		if r := gjson.GetBytes(body, path); r.Exists() {
			return domain.FromAny(r.Value())
		}
	}
	if path == "" && gjson.ValidBytes(body) {
		return domain.FromAny(gjson.ParseBytes(body).Value())
	}
	return domain.String(string(body))
}

// SSECallBehavior streams server-sent events as message chunks.
type SSECallBehavior struct {
	Request
	SaveTo *domain.SlotPath
}

func (b *SSECallBehavior) run(ctx context.Context, s *Step, env *Env, _ string) (outcome, error) {
	req, err := b.build(ctx, env)
	if err != nil {
		return outcome{}, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := env.httpClient().Do(req)
	if err != nil {
		return outcome{}, fmt.Errorf("%s %s: %w", req.Method, req.URL.Redacted(), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return outcome{}, fmt.Errorf("event stream returned status %d", resp.StatusCode)
	}

	ch := make(chan ports.StreamChunk)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		err := ReadEvents(resp.Body, func(data string) bool {
			select {
			case ch <- ports.StreamChunk{Text: data}:
				return true
			case <-ctx.Done():
				return false
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			select {
			case ch <- ports.StreamChunk{Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return outcome{content: &Message{StepID: s.id, Chunks: ch, SaveTo: b.SaveTo}}, nil
}

// ReadEvents parses a text/event-stream body and calls emit with the data of
// every event. Multi-line data is joined with newlines. A "[DONE]" event or
// emit returning false stops reading.
func ReadEvents(r io.Reader, emit func(data string) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseBody)
	var data []string
	dispatch := func() bool {
		if len(data) == 0 {
			return true
		}
		event := strings.Join(data, "\n")
		data = data[:0]
		if event == "[DONE]" {
			return false
		}
		return emit(event)
	}
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if !dispatch() {
				return nil
			}
		case strings.HasPrefix(line, ":"):
			// comment
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	dispatch()
	return nil
}

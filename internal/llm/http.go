package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// requestTimeout bounds one HTTP call to a provider. Callers pass tighter deadlines through ctx.
const requestTimeout = 5 * time.Minute

// maxLineSize is the longest streamed line accepted from a provider.
const maxLineSize = 1 << 20

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: requestTimeout}
}

// postJSON sends body to url and returns the response if the provider answered 200 OK.
// The caller closes the response body.
func postJSON(ctx context.Context, client *http.Client, provider Provider, url string, header http.Header, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach %s: %w", provider, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s returned status %d: %s", provider, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

// scanLines calls fn with every non-blank line of r until fn reports it is done.
func scanLines(r io.Reader, fn func(line []byte) (done bool, err error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		done, err := fn(line)
		if err != nil || done {
			return err
		}
	}
	return scanner.Err()
}

// streamResult settles a streamed answer: a canceled context wins over the read error it caused.
func streamResult(ctx context.Context, answer *strings.Builder, err error) (string, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return answer.String(), ctxErr
	}
	return answer.String(), err
}

// emit appends delta to answer and forwards it to onDelta.
func emit(answer *strings.Builder, onDelta DeltaFunc, delta string) {
	if delta == "" {
		return
	}
	answer.WriteString(delta)
	if onDelta != nil {
		onDelta(delta)
	}
}

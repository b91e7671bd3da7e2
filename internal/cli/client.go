package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
)

// callServer posts a JSON payload to path on the configured server with the
// API key attached and decodes the JSON response into out. Non-2xx
// responses are printed and terminate the process.
func callServer(method, path string, payload, out any) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			fmt.Printf("Bad payload: %v\n", err)
			os.Exit(1)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, serverURL+path, body)
	if err != nil {
		fmt.Printf("Bad request: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Printf("Failed to connect: %v\nIs the server running?\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		fmt.Printf("Server returned error: %s\n", resp.Status)
		io.Copy(os.Stderr, resp.Body)
		fmt.Fprintln(os.Stderr)
		os.Exit(1)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			fmt.Printf("Bad response: %v\n", err)
			os.Exit(1)
		}
	}
}

// callServerForm posts form-encoded fields, used by the token endpoint.
func callServerForm(path string, fields map[string]string, out any) {
	form := url.Values{}
	for k, v := range fields {
		form.Set(k, v)
	}
	resp, err := http.PostForm(serverURL+path, form)
	if err != nil {
		fmt.Printf("Failed to connect: %v\nIs the server running?\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		fmt.Printf("Server returned error: %s\n", resp.Status)
		io.Copy(os.Stderr, resp.Body)
		fmt.Fprintln(os.Stderr)
		os.Exit(1)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		fmt.Printf("Bad response: %v\n", err)
		os.Exit(1)
	}
}

// callServerBearer issues a request authenticated with a session token
// instead of the API key.
func callServerBearer(method, path, token string, out any) {
	req, err := http.NewRequest(method, serverURL+path, nil)
	if err != nil {
		fmt.Printf("Bad request: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Printf("Failed to connect: %v\nIs the server running?\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		fmt.Printf("Server returned error: %s\n", resp.Status)
		io.Copy(os.Stderr, resp.Body)
		fmt.Fprintln(os.Stderr)
		os.Exit(1)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		fmt.Printf("Bad response: %v\n", err)
		os.Exit(1)
	}
}

// internal/transport/mock.go
package transport

import (
	"context"
	"fmt"
	"os"
)

type MockCall struct {
	Method string
	Args   []interface{}
}

// Mock records every call and serves canned responses keyed by command or
// path. The zero response for Run is success with empty output.
type Mock struct {
	Calls []MockCall

	RunOutputs  map[string]string
	RunExits    map[string]int
	RunErrors   map[string]error
	Files       map[string][]byte
	ReadErrors  map[string]error
	WriteErrors map[string]error
	FetchBodies map[string][]byte
	FetchErrors map[string]error
}

func NewMock() *Mock {
	return &Mock{
		RunOutputs:  make(map[string]string),
		RunExits:    make(map[string]int),
		RunErrors:   make(map[string]error),
		Files:       make(map[string][]byte),
		ReadErrors:  make(map[string]error),
		WriteErrors: make(map[string]error),
		FetchBodies: make(map[string][]byte),
		FetchErrors: make(map[string]error),
	}
}

func (m *Mock) Run(_ context.Context, cmd string) (Result, error) {
	m.Calls = append(m.Calls, MockCall{Method: "Run", Args: []interface{}{cmd}})
	if err, ok := m.RunErrors[cmd]; ok {
		return Result{}, err
	}
	res := Result{Stdout: m.RunOutputs[cmd], ExitCode: m.RunExits[cmd]}
	return res, nil
}

func (m *Mock) ReadFile(_ context.Context, path string) ([]byte, error) {
	m.Calls = append(m.Calls, MockCall{Method: "ReadFile", Args: []interface{}{path}})
	if err, ok := m.ReadErrors[path]; ok {
		return nil, err
	}
	if data, ok := m.Files[path]; ok {
		return data, nil
	}
	return nil, fmt.Errorf("file not found: %s", path)
}

func (m *Mock) WriteFile(_ context.Context, path string, content []byte, mode os.FileMode) error {
	m.Calls = append(m.Calls, MockCall{Method: "WriteFile", Args: []interface{}{path, content, mode}})
	if err, ok := m.WriteErrors[path]; ok {
		return err
	}
	m.Files[path] = content
	return nil
}

func (m *Mock) Fetch(_ context.Context, url string) ([]byte, error) {
	m.Calls = append(m.Calls, MockCall{Method: "Fetch", Args: []interface{}{url}})
	if err, ok := m.FetchErrors[url]; ok {
		return nil, err
	}
	if body, ok := m.FetchBodies[url]; ok {
		return body, nil
	}
	return nil, fmt.Errorf("no fetch body for %s", url)
}

func (m *Mock) Close() error { return nil }

// RunCommands returns every command passed to Run, in order.
func (m *Mock) RunCommands() []string {
	var cmds []string
	for _, c := range m.Calls {
		if c.Method == "Run" {
			cmds = append(cmds, c.Args[0].(string))
		}
	}
	return cmds
}

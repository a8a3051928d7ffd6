package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"OpenMCP-Remote/sdk/go/openremote"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/connections", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"message": "Connection ID: demo\nSuccessfully connected to demo.example as deploy",
			})
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]string{
				"message": "Active SSH Connections: 1\n\nConnection ID: demo\nStatus: Connected\nHost: demo.example:22\nUsername: deploy\nConnected since: 2026-01-01 00:00:00",
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/connections/demo/exec", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"message": "Output from connection 'demo':\n\nfile1\nfile2",
		})
	})
	mux.HandleFunc("/api/v1/connections/demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"message": "Connection ID: demo\nDisconnected from demo.example",
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := openremote.NewClient(srv.URL, srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg, err := client.Connect(ctx, openremote.ConnectRequest{
		ConnectionID: "demo",
		Host:         "demo.example",
		Username:     "deploy",
		Password:     "secret",
	})
	if err != nil {
		panic(err)
	}
	fmt.Println(msg)

	output, err := client.Execute(ctx, "demo", openremote.ExecRequest{Command: "ls -la", TimeoutSeconds: 30})
	if err != nil {
		panic(err)
	}
	fmt.Println(output)

	closed, err := client.Disconnect(ctx, "demo")
	if err != nil {
		panic(err)
	}
	fmt.Println(closed)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"Crew-Relay/sdk/go/crewclient"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /crew/tasks", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(crewclient.Task{
			TaskID:    "task-demo",
			Status:    crewclient.StatusProcessing,
			Mode:      "async",
			CreatedAt: time.Now().Unix(),
		})
	})
	mux.HandleFunc("GET /crew/tasks/task-demo/logs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range []string{"Researcher started", "Writer finished"} {
			fmt.Fprintf(w, "data: {\"log\":%q}\n\n", line)
		}
	})
	mux.HandleFunc("GET /crew/tasks/task-demo", func(w http.ResponseWriter, r *http.Request) {
		result := "a short summary"
		_ = json.NewEncoder(w).Encode(crewclient.Task{
			TaskID: "task-demo",
			Status: crewclient.StatusCompleted,
			Result: &result,
			Mode:   "async",
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := crewclient.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	async := true
	task, err := client.Submit(ctx, crewclient.TaskSubmission{Objective: "summarize X", AsyncExecution: &async})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted task %s (%s)\n", task.TaskID, task.Status)

	err = client.StreamLogs(ctx, task.TaskID, func(line string) error {
		fmt.Printf("log: %s\n", line)
		return nil
	})
	if err != nil {
		panic(err)
	}

	done, err := client.WaitUntilCompleted(ctx, task.TaskID, 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("task %s finished with status %s: %s\n", done.TaskID, done.Status, *done.Result)
}

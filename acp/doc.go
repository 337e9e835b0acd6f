// Package acp is a client for agents that speak JSON-RPC 2.0 over
// newline-delimited JSON, either as a child process on stdin/stdout or
// behind a socket.
//
// One long-lived connection carries any number of concurrent calls.
// Responses may arrive in any order and are matched to their callers by
// id. Every call ends exactly once: with a result, a *RemoteError, a
// *TimeoutError, a *CancelledError or a *ClosedError.
//
// # Basic Usage
//
//	client := acp.NewClient(
//	    acp.WithCommand("python", "-m", "mini_agent.acp"),
//	    acp.WithRequestTimeout(30*time.Second),
//	)
//	defer client.Close(context.Background())
//
//	if err := client.StartAndWait(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	sessionID, err := client.CreateSession(ctx, acp.SessionContext{CWD: "."})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := client.Prompt(ctx, sessionID, "hi")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(result.Text)
//
// # Lifecycle
//
// Start is idempotent: while the agent is starting or ready it returns the
// same *Readiness and spawns nothing. If the agent dies, every outstanding
// call fails with a *ClosedError whose reason is "process terminated",
// sessions are invalidated, and the client restarts the agent with
// exponential backoff until the restart budget is spent. Stop drains
// outstanding calls for a grace period before failing the rest.
//
// # Events
//
//	client.OnEvent(func(ev acp.Event) {
//	    switch e := ev.(type) {
//	    case acp.StateChangeEvent:
//	        fmt.Printf("agent %s -> %s\n", e.From, e.To)
//	    case acp.NotificationEvent:
//	        fmt.Printf("notification %s\n", e.Method)
//	    }
//	})
package acp

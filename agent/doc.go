// Package agent defines the interface every orchestrated agent implements.
//
// An agent answers a text message with a stream of chat content:
//
//	stream, err := a.InvokeStreaming(ctx, "Summarize the report", agent.WithSessionID("s-42"))
//	if err != nil {
//	    return err
//	}
//	for content, err := range stream.All() {
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Print(content.Content)
//	}
//
// Invoke buffers the same stream into complete messages. Implementations
// live in the agents package: HostedAgent runs a local kernel, RemoteAgent
// forwards to an A2A endpoint.
package agent

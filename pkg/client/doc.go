// Package client is a Go client for the fleetsync admin API.
//
// Requests are retried with exponential backoff on connection errors and
// 5xx responses. Non-2xx responses surface as *APIError:
//
//	c := client.NewClient("127.0.0.1:9090")
//	status, err := c.Pause(ctx, "sfr-0123")
//	if client.IsNotFound(err) {
//		// unknown fleet
//	}
package client

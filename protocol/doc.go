// Package protocol defines the JSON envelope exchanged with the worker
// process across the isolation boundary.
//
// A caller writes one Request to the worker's standard input and reads one
// Response from its standard output. The worker's exit status carries one of
// the Exit* codes.
//
// Usage:
//
//	req := protocol.NewRequest(code, input, policy.Default())
//	payload, err := req.Encode()
//	// run the worker with payload on stdin, then
//	var resp protocol.Response
//	err = json.Unmarshal(stdout, &resp)
package protocol

// Package mutator is the client side of the remote PE mutation service.
//
// A Session owns one transport channel and walks the run through its stages:
//
//	Connect -> Authenticate -> (LoadInputs, SetOption, AddCallback) -> Initialize
//	        -> GetMapperData -> Proceed
//
// Each stage sends one request and blocks until the matching completion arrives.
// Inbound frames are handled by the Router on the channel's delivery goroutine; while
// a request is outstanding the server may call back into registered handlers, and
// those round-trips are answered from that goroutine without completing the request.
package mutator

// Package chatserver serves the ChatMesh client protocol over TCP.
//
// Frames are newline-delimited JSON objects of at most MaxFrameSize bytes.
// A client sends requests
//
//	{"id":"1","cmd":"send","args":{"room_id":1,"content":"hi"}}
//
// and receives one response per request, in order:
//
//	{"id":"1","ok":true,"result":{...}}
//	{"id":"1","ok":false,"error":{"code":"CM-AUTH-4011","kind":"AuthError","message":"not authenticated"}}
//
// interleaved with server pushes:
//
//	{"push":"message","data":{...}}
//
// Each connection runs one reader goroutine, which executes commands in
// order, and one writer goroutine draining a bounded outbound queue.
// Oversize or malformed frames close the connection; any other error is
// reported in a response and the connection stays open.
package chatserver

// Package errors provides coded, user-facing errors for the serversignal
// command.
//
// Each error has a code (e.g. "E001") that maps to a category, a short
// message, a longer explanation and, for some codes, a hint. Config errors
// can carry the file location they refer to; Format prints the surrounding
// lines:
//
//	err := errors.New("E002").
//	    WithLocation("serversignal.json", 4, 21).
//	    Wrap(syntaxErr)
//
//	errors.PrintError(err)
//	// ERROR E002: Invalid JSON in config file
//	//
//	//   serversignal.json:4:21
//	//
//	//        2 │   "server": {
//	//        3 │     "address": ":8080",
//	//   →    4 │     "path": "/ws",
//	//          │                     ^
//	//        5 │   }
//	//        6 │ }
//
// # Categories
//
//   - config: the config file or flags
//   - transport: dialing, listening and connection loss
//   - protocol: handshake rejections and malformed frames
//   - sync: replica divergence and resync failures
//   - cli: command usage
package errors

// Package tdlib runs a Telegram user session on TDLib.
//
// TDLib is linked through cgo and libtdjson, so the session is only compiled
// with the tdlib build tag.
package tdlib

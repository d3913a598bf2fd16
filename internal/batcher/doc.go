// Package batcher coalesces single-key lookups into debounced multi-key
// subscriptions.
//
// Every Request(key) restarts a trailing debounce timer. When the timer fires,
// all queued keys move to in-flight together and one filter covering the whole
// batch is opened through the multiplexer. Decoded records land in a keyed
// store that any number of readers poll; a key is requested at most once per
// Queue.
//
// Example configuration:
//
//	{
//	  "fetchDebounce": 100
//	}
package batcher

// Package topic multiplexes logical topic subscriptions onto one channel.
//
// The first subscriber of a topic attaches a single channel listener; later
// subscribers share it. Closing the last subscription detaches the listener
// and forgets the topic, so the next subscriber attaches a fresh one. A Mux
// lives exactly as long as the channel it was built on.
package topic

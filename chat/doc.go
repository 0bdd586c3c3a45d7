// Package chat provides the chat-roster snapshot source. It answers one
// question: who is in a channel's chat right now. The platform's HTTP
// chatters endpoint was retired, so the roster is read over IRC instead: an
// anonymous connection joins the channel, lets the NAMES/JOIN membership
// tracking settle, and returns the collected user list.
package chat

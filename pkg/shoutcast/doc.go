// Package shoutcast reads now-playing metadata from ICY/Shoutcast streams.
//
// A Client negotiates a stream with the Icy-MetaData request header and
// returns a Stream that knows the server's metadata interval. Each call to
// ReadCycle skips one interval of audio and decodes the metadata block that
// follows it, if any:
//   - Playlist resolution: .pls and .m3u URLs are resolved to the actual stream URL
//   - Framing: exactly metaint audio bytes are discarded between metadata blocks
//   - Parsing: blocks are decoded as Windows-1252 and split into tag/value pairs
package shoutcast

// Package chain implements the HTTP client a chain front-end uses to push a
// finished utterance straight to the Compress stage. Requests are
// multipart/form-data with the utterance as a WAV file part; the client
// limits concurrency and retries transient failures with exponential
// backoff.
package chain

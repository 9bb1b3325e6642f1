// Package gemini provides a conversation analyzer backed by Google's
// Gemini API.
package gemini

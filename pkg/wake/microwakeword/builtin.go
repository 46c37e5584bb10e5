//go:build microwakeword

package microwakeword

import (
	mww "github.com/pmdroid/microwakeword"
)

// Builtin returns a Factory for one of the models bundled with the
// microwakeword module (e.g. "okay_nabu", "hey_jarvis", "alexa").
func Builtin(name string) Factory {
	return func() (Classifier, error) {
		return mww.FromBuiltin(name, mww.DefaultRefractory)
	}
}

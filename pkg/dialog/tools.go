package dialog

// TagGen returns a fresh dialog tag, delegating to the pooled generator in
// id_generator.go.
func TagGen() string {
	return generateTag()
}

package messenger

// Object is a shared object the messenger can serialize. Implementations
// are pointer types; identity is what the handle table tracks.
type Object interface {
	// ClassID returns the id the object was registered under.
	ClassID() uint16

	// Encode writes the ops that rebuild the object's current state.
	Encode(w *Writer) error

	// Decode applies one private op whose header has been consumed. It
	// returns false for an op the object does not understand.
	Decode(r *Reader, op Op) (bool, error)
}

// Referrer is implemented by objects that hold references to other shared
// objects. Save and AttachAll follow them.
type Referrer interface {
	References() []Object
}

// Named objects carry their name across OpSetName.
type Named interface {
	Name() string
	SetName(name string)
}

// Flagged objects carry a flag word across OpSetFlags.
type Flagged interface {
	Flags() uint32
	SetFlags(flags uint32)
}

// Deleter is notified when a remote OpDelete detaches the object.
type Deleter interface {
	OnDelete()
}

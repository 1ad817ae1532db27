package collision

// Notifier delivers directives to the vehicle control collaborator over a
// bounded channel. Capacity is one and the latest directive wins: control
// always acts on the most recent assessment, never a queue of stale ones.
type Notifier struct {
	ch chan Directive
}

func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan Directive, 1)}
}

func (n *Notifier) Publish(d Directive) {
	for {
		select {
		case n.ch <- d:
			return
		default:
		}
		select {
		case <-n.ch:
		default:
		}
	}
}

func (n *Notifier) C() <-chan Directive {
	return n.ch
}

package proxyadmin

import "context"

// Fake records published routing state for the reconciler test suites.
type Fake struct {
	Initialized    bool
	WriterGroup    []Node
	ReaderGroup    []Node
	Published      int
	EmptyPublishes int
	FailNext       error
}

func NewFake() *Fake { return &Fake{} }

func (f *Fake) Initialize(_ context.Context) error {
	f.Initialized = true
	return nil
}

func (f *Fake) PublishEmpty(_ context.Context, _, _ int) error {
	if f.FailNext != nil {
		err := f.FailNext
		f.FailNext = nil
		return err
	}
	f.WriterGroup = nil
	f.ReaderGroup = nil
	f.EmptyPublishes++
	return nil
}

func (f *Fake) PublishRouting(_ context.Context, master Node, slaves []Node, _, _ int) error {
	if f.FailNext != nil {
		err := f.FailNext
		f.FailNext = nil
		return err
	}
	f.WriterGroup = []Node{master}
	f.ReaderGroup = append([]Node{}, slaves...)
	f.Published++
	return nil
}

package taskq

import "context"

// Func adapts plain functions to Task. Nil phases are skipped.
type Func struct {
	Label  string
	Run    func(ctx context.Context) error
	OnDone func(err error)
	OnFree func()
}

func (f *Func) Describe() string { return f.Label }

func (f *Func) Exec(ctx context.Context) error {
	if f.Run == nil {
		return nil
	}
	return f.Run(ctx)
}

func (f *Func) Done(err error) {
	if f.OnDone != nil {
		f.OnDone(err)
	}
}

func (f *Func) Free() {
	if f.OnFree != nil {
		f.OnFree()
	}
}

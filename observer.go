package remoteurl

// Observer is notified about the outcome of every live remote request.
// It is the place to hook in metrics or extra logging.
// Observers are called synchronously; a panicking observer is logged and ignored.
type Observer interface {
	RemoteRequestSuccess(url string, res *Response)
	// res is nil when the request failed at the transport level; err is nil
	// when the origin answered with a non-200 status.
	RemoteRequestError(url string, res *Response, err error)
}

// ObserverFuncs adapts plain functions to Observer. Nil functions are skipped.
type ObserverFuncs struct {
	Success func(url string, res *Response)
	Error   func(url string, res *Response, err error)
}

func (o ObserverFuncs) RemoteRequestSuccess(url string, res *Response) {
	if o.Success != nil {
		o.Success(url, res)
	}
}

func (o ObserverFuncs) RemoteRequestError(url string, res *Response, err error) {
	if o.Error != nil {
		o.Error(url, res, err)
	}
}

func (f *Fetcher) notifySuccess(url string, res *Response) {
	for _, o := range f.observers {
		f.safely(func() { o.RemoteRequestSuccess(url, res) })
	}
}

func (f *Fetcher) notifyError(url string, res *Response, err error) {
	for _, o := range f.observers {
		f.safely(func() { o.RemoteRequestError(url, res, err) })
	}
}

// safely runs fn, recovering from and logging any panic.
func (f *Fetcher) safely(fn func()) {
	defer func() {
		if err := recover(); err != nil {
			f.log.Error().Interface("error", err).Msg("Panic in remote request observer")
		}
	}()
	fn()
}

package services

import "sync"

// fileLocks serializes work on a cache file. Transcoding rewrites the file in
// place, so a transcode and the read that follows it must not interleave with
// another request converting the same file to a different syntax.
type fileLocks struct {
	mu    sync.Mutex
	locks map[string]*fileLock
}

type fileLock struct {
	mu   sync.Mutex
	refs int
}

// lock blocks until path is free and returns its unlock function
func (l *fileLocks) lock(path string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*fileLock)
	}
	fl, ok := l.locks[path]
	if !ok {
		fl = &fileLock{}
		l.locks[path] = fl
	}
	fl.refs++
	l.mu.Unlock()

	fl.mu.Lock()
	return func() {
		fl.mu.Unlock()
		l.mu.Lock()
		fl.refs--
		if fl.refs == 0 {
			delete(l.locks, path)
		}
		l.mu.Unlock()
	}
}

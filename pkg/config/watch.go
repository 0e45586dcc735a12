// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	cfgapi "github.com/containers/qmss-qos/pkg/apis/config/v1alpha1"
)

// Watch monitors a configuration file and delivers every successfully
// parsed new version of it.
type Watch struct {
	dir      string
	file     string
	fsw      *fsnotify.Watcher
	resultC  chan *cfgapi.QosRange
	stopOnce sync.Once
	stopC    chan struct{}
	doneC    chan struct{}
}

// NewWatch starts watching the given configuration file. The directory of
// the file is watched so that atomic replacement by rename is noticed.
func NewWatch(file string) (*Watch, error) {
	absPath, err := filepath.Abs(file)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve %q", file)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if err = fsw.Add(filepath.Dir(absPath)); err != nil {
		fsw.Close()
		return nil, errors.Wrapf(err, "failed to watch %q", filepath.Dir(absPath))
	}

	w := &Watch{
		dir:     filepath.Dir(absPath),
		file:    filepath.Base(absPath),
		fsw:     fsw,
		resultC: make(chan *cfgapi.QosRange, 4),
		stopC:   make(chan struct{}),
		doneC:   make(chan struct{}),
	}
	go w.run()

	return w, nil
}

// ResultChan returns the channel of parsed configurations. It is closed
// when the watch stops.
func (w *Watch) ResultChan() <-chan *cfgapi.QosRange {
	return w.resultC
}

// Stop stops the watch.
func (w *Watch) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopC)
		<-w.doneC
	})
}

func (w *Watch) path() string {
	return filepath.Join(w.dir, w.file)
}

func (w *Watch) run() {
	defer func() {
		if err := w.fsw.Close(); err != nil {
			log.Warn("%s: failed to close fsnotify watcher: %v", w.path(), err)
		}
		close(w.resultC)
		close(w.doneC)
	}()

	for {
		select {
		case <-w.stopC:
			return

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn("%s: watch error: %v", w.path(), err)

		case e, ok := <-w.fsw.Events:
			if !ok {
				log.Error("%s: fsnotify event channel closed", w.path())
				return
			}
			if filepath.Base(e.Name) != w.file || !e.Has(fsnotify.Create) && !e.Has(fsnotify.Write) {
				continue
			}

			cfg, err := Load(w.path())
			if err != nil {
				log.Warn("%s: ignoring update: %v", w.path(), err)
				continue
			}

			select {
			case w.resultC <- cfg:
			default:
				log.Warn("%s: dropping update, receiver is not keeping up", w.path())
			}
		}
	}
}

package service

import "errors"

// ErrNotPausable is returned by Pause/Restore on service variants that
// don't honor them (only FileDownload and GroupFileUpload do, per §4.3).
var ErrNotPausable = errors.New("service: this service variant does not support pause/restore")

/*
Copyright Derrick J Wippler

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package transport

import (
	"errors"
)

// ErrNotFound is returned by a Handler to indicate the envelope was addressed to an
// account the receiving vault does not hold. It is reported to the sender as HTTP 404.
type ErrNotFound struct {
	Msg string
}

func (e *ErrNotFound) Error() string {
	return e.Msg
}

func (e *ErrNotFound) Is(target error) bool {
	var errNotFound *ErrNotFound
	ok := errors.As(target, &errNotFound)
	return ok
}

// ErrRemoteCall is returned from `Client.Send()` when the remote vault failed to handle
// the envelope for a reason other than ErrNotFound.
type ErrRemoteCall struct {
	Msg string
}

func (e *ErrRemoteCall) Error() string {
	return e.Msg
}

func (e *ErrRemoteCall) Is(target error) bool {
	var errRemoteCall *ErrRemoteCall
	ok := errors.As(target, &errRemoteCall)
	return ok
}

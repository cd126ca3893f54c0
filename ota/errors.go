// Copyright 2024 The Armored Witness OS authors. All Rights Reserved.
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

package ota

import (
	"errors"
	"fmt"
)

var (
	// ErrIntegrity is the class of all failures to confirm that the image
	// on flash is the one intended.
	ErrIntegrity = errors.New("integrity check failed")
	// ErrLengthMismatch is returned when the number of bytes written differs
	// from the expected length.
	ErrLengthMismatch = fmt.Errorf("%w: length mismatch", ErrIntegrity)
	// ErrDigestMismatch is returned when the digest of the written data
	// differs from the expected digest.
	ErrDigestMismatch = fmt.Errorf("%w: digest mismatch", ErrIntegrity)
	// ErrVerifyMismatch is returned when data read back from flash does not
	// hash to the digest computed while writing it.
	ErrVerifyMismatch = fmt.Errorf("%w: read-back verification mismatch", ErrIntegrity)

	// ErrNoOTAPartition is returned when there is no partition to write an
	// update to.
	ErrNoOTAPartition = errors.New("no OTA partition available")
	// ErrBootloaderNotOTACapable is returned when the bootloader does not
	// support OTA rollback protection.
	ErrBootloaderNotOTACapable = errors.New("bootloader is not OTA capable")
	// ErrBootCommit is returned when the bootloader refuses to boot a
	// successfully written image.
	ErrBootCommit = errors.New("failed to set boot partition")
	// ErrImageTooLarge is returned when the expected image length exceeds
	// the partition.
	ErrImageTooLarge = errors.New("image too large for partition")
	// ErrNoRollbackPartition is returned when there is no other partition to
	// roll back to.
	ErrNoRollbackPartition = errors.New("no partition to roll back to")

	// ErrClosed is returned when a closed session is used.
	ErrClosed = errors.New("session closed")
	// ErrUpdateInProgress is returned when an update is opened while another
	// is still in progress.
	ErrUpdateInProgress = errors.New("update already in progress")
)

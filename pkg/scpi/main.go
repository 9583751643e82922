// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package scpi implements the application-core side of the System Control and
// Power Interface spoken with the companion processor.
//
// Requests and responses travel through two fixed message slots in uncached
// shared memory; the message box doorbell announces them. Only one request is
// ever in flight: every exchange is bracketed by a cross-core command lock
// whose value is the affinity identifier of the holding core.
//
// All waits are busy-waits, since the firmware runs with interrupts masked and
// has nothing to yield to. A WaitPolicy can bound them for tests and simulation.
package scpi

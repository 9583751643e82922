// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package psci implements the power state coordination call surface of the
// secure firmware on top of the companion processor's command channel.
//
// A core trapping into the firmware goes through Dispatcher.Dispatch, which
// first runs the entry recovery (one-time initialization and interrupt
// controller restore) and then the requested operation of the Coordinator.
package psci

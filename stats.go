/*
Copyright 2012 Google Inc.
Copyright Derrick J Wippler
Copyright 2025 Arsene Tochemey Gandote

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

package vault

import (
	"context"
	"strconv"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	instrumentationName = "github.com/pmidvault/vault-go/instrumentation/otel"
)

// An AtomicInt is an int64 to be accessed atomically.
type AtomicInt int64

// Add atomically adds n to i.
func (i *AtomicInt) Add(n int64) {
	atomic.AddInt64((*int64)(i), n)
}

// Store atomically stores n to i.
func (i *AtomicInt) Store(n int64) {
	atomic.StoreInt64((*int64)(i), n)
}

// Get atomically gets the value of i.
func (i *AtomicInt) Get() int64 {
	return atomic.LoadInt64((*int64)(i))
}

func (i *AtomicInt) String() string {
	return strconv.FormatInt(i.Get(), 10)
}

// ServiceStats are the counters kept by a Service.
type ServiceStats struct {
	Requests         AtomicInt // every envelope handled
	RequestsRejected AtomicInt // failed sender validation or parsing
	QuorumsReached   AtomicInt // requests released by the accumulator
	ActionsResolved  AtomicInt // actions agreed on by a quorum of the group
	ActionsAbandoned AtomicInt // actions dropped after MaxSyncAttempts
	Commits          AtomicInt // successful GroupDb commits
	CommitErrors     AtomicInt
	SyncsSent        AtomicInt // Synchronise messages sent, including re-sends
	SendErrors       AtomicInt
	AccountsPruned   AtomicInt // accounts deleted because this node left their group
	AccountTransfers AtomicInt // accounts sent to new holders
}

type MeterProviderOption func(*MeterProvider)

func WithMeterProvider(mp metric.MeterProvider) MeterProviderOption {
	return func(m *MeterProvider) {
		if mp != nil {
			m.underlying = mp
		}
	}
}

type MeterProvider struct {
	underlying metric.MeterProvider
	meter      metric.Meter
}

func NewMeterProvider(opts ...MeterProviderOption) *MeterProvider {
	mp := &MeterProvider{
		underlying: otel.GetMeterProvider(),
	}

	for _, opt := range opts {
		opt(mp)
	}

	mp.meter = mp.underlying.Meter(instrumentationName)
	return mp
}

func (mp *MeterProvider) getMeter() metric.Meter {
	return mp.meter
}

type serviceInstruments struct {
	requestsCounter         metric.Int64ObservableCounter
	requestsRejectedCounter metric.Int64ObservableCounter
	quorumsCounter          metric.Int64ObservableCounter
	resolvedCounter         metric.Int64ObservableCounter
	abandonedCounter        metric.Int64ObservableCounter
	commitsCounter          metric.Int64ObservableCounter
	commitErrorsCounter     metric.Int64ObservableCounter
	syncsSentCounter        metric.Int64ObservableCounter
	sendErrorsCounter       metric.Int64ObservableCounter
	accountsPrunedCounter   metric.Int64ObservableCounter
	transfersCounter        metric.Int64ObservableCounter
	pendingActionsGauge     metric.Int64ObservableUpDownCounter
}

// newServiceInstruments registers all instruments that map to ServiceStats counters.
func newServiceInstruments(meter metric.Meter) (*serviceInstruments, error) {
	counters := []struct {
		name string
		desc string
	}{
		{name: "vault.service.requests", desc: "Total envelopes handled"},
		{name: "vault.service.requests.rejected", desc: "Total envelopes rejected by validation or parsing"},
		{name: "vault.service.quorums", desc: "Total requests released by the accumulator"},
		{name: "vault.service.actions.resolved", desc: "Total actions resolved by the group"},
		{name: "vault.service.actions.abandoned", desc: "Total actions abandoned after the maximum sync attempts"},
		{name: "vault.service.commits", desc: "Total successful account commits"},
		{name: "vault.service.commit_errors", desc: "Total failed account commits"},
		{name: "vault.service.syncs_sent", desc: "Total Synchronise messages sent"},
		{name: "vault.service.send_errors", desc: "Total failed sends to peers"},
		{name: "vault.service.accounts.pruned", desc: "Total accounts deleted after leaving their group"},
		{name: "vault.service.accounts.transferred", desc: "Total accounts sent to new holders"},
	}

	si := &serviceInstruments{}
	targets := []*metric.Int64ObservableCounter{
		&si.requestsCounter,
		&si.requestsRejectedCounter,
		&si.quorumsCounter,
		&si.resolvedCounter,
		&si.abandonedCounter,
		&si.commitsCounter,
		&si.commitErrorsCounter,
		&si.syncsSentCounter,
		&si.sendErrorsCounter,
		&si.accountsPrunedCounter,
		&si.transfersCounter,
	}
	for i, c := range counters {
		counter, err := meter.Int64ObservableCounter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*targets[i] = counter
	}

	pending, err := meter.Int64ObservableUpDownCounter(
		"vault.service.actions.pending",
		metric.WithDescription("Number of actions waiting for the group to agree"),
	)
	if err != nil {
		return nil, err
	}
	si.pendingActionsGauge = pending
	return si, nil
}

func (si *serviceInstruments) observables() []metric.Observable {
	return []metric.Observable{
		si.requestsCounter,
		si.requestsRejectedCounter,
		si.quorumsCounter,
		si.resolvedCounter,
		si.abandonedCounter,
		si.commitsCounter,
		si.commitErrorsCounter,
		si.syncsSentCounter,
		si.sendErrorsCounter,
		si.accountsPrunedCounter,
		si.transfersCounter,
		si.pendingActionsGauge,
	}
}

// register reports stats, and the number of pending actions returned by pending, on
// every collection.
func (si *serviceInstruments) register(meter metric.Meter, stats *ServiceStats, pending func() int64) (metric.Registration, error) {
	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(si.requestsCounter, stats.Requests.Get())
		o.ObserveInt64(si.requestsRejectedCounter, stats.RequestsRejected.Get())
		o.ObserveInt64(si.quorumsCounter, stats.QuorumsReached.Get())
		o.ObserveInt64(si.resolvedCounter, stats.ActionsResolved.Get())
		o.ObserveInt64(si.abandonedCounter, stats.ActionsAbandoned.Get())
		o.ObserveInt64(si.commitsCounter, stats.Commits.Get())
		o.ObserveInt64(si.commitErrorsCounter, stats.CommitErrors.Get())
		o.ObserveInt64(si.syncsSentCounter, stats.SyncsSent.Get())
		o.ObserveInt64(si.sendErrorsCounter, stats.SendErrors.Get())
		o.ObserveInt64(si.accountsPrunedCounter, stats.AccountsPruned.Get())
		o.ObserveInt64(si.transfersCounter, stats.AccountTransfers.Get())
		o.ObserveInt64(si.pendingActionsGauge, pending())
		return nil
	}, si.observables()...)
}

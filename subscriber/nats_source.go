// Copyright 2024-2025 The restogw Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package subscriber

import (
	"context"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/nats-io/nats.go"

	"github.com/cortezalberto/restogw/common"
	"github.com/cortezalberto/restogw/core"
)

// natsMessageSource MessageSource backed by a NATS client. One subscription
// per configured topic pattern.
type natsMessageSource struct {
	common.Component
	client   *core.NatsClient
	patterns []string
}

// GetNatsMessageSource define a MessageSource attached to a NATS client
func GetNatsMessageSource(client *core.NatsClient, patterns []string) (MessageSource, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("no topic patterns to subscribe against")
	}
	logTags := log.Fields{"module": "subscriber", "component": "nats-source"}
	return &natsMessageSource{
		Component: common.Component{LogTags: logTags},
		client:    client,
		patterns:  patterns,
	}, nil
}

// Subscribe establish one subscription per topic pattern
func (s *natsMessageSource) Subscribe(
	ctxt context.Context, handler func(payload []byte),
) (<-chan error, func(), error) {
	localLogTags, err := common.UpdateLogTags(ctxt, s.LogTags)
	if err != nil {
		return nil, nil, err
	}
	subs := make([]*nats.Subscription, 0, len(s.patterns))
	unsubAll := func() {
		for _, sub := range subs {
			if err := sub.Unsubscribe(); err != nil {
				log.WithError(err).WithFields(localLogTags).Errorf(
					"Unable to unsubscribe from %s", sub.Subject,
				)
			}
		}
	}
	for _, pattern := range s.patterns {
		sub, err := s.client.NATs().Subscribe(pattern, func(msg *nats.Msg) {
			handler(msg.Data)
		})
		if err != nil {
			unsubAll()
			log.WithError(err).WithFields(localLogTags).Errorf(
				"Unable to subscribe on %s", pattern,
			)
			return nil, nil, err
		}
		log.WithFields(localLogTags).Infof("Subscribed on %s", pattern)
		subs = append(subs, sub)
	}
	// Surface connection loss to the caller so it can re-attach under the
	// breaker. NATS handles transient reconnects internally; only a fully
	// closed connection is fatal here.
	errs := make(chan error, 1)
	stopSignal := make(chan bool)
	go func() {
		check := time.NewTicker(time.Second)
		defer check.Stop()
		for {
			select {
			case <-ctxt.Done():
				return
			case <-stopSignal:
				return
			case <-check.C:
				if s.client.NATs().IsClosed() {
					errs <- fmt.Errorf("connection to NATS closed")
					return
				}
			}
		}
	}()
	stop := func() {
		close(stopSignal)
		unsubAll()
	}
	return errs, stop, nil
}

/*
Copyright 2021 The Kubernetes Authors.

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

package eventbus

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/gomega"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	g := NewWithT(t)
	bus := New[HealthEvent](4)

	ch1, unsub1 := bus.Subscribe()
	defer unsub1()
	ch2, unsub2 := bus.Subscribe()
	defer unsub2()

	g.Expect(bus.Publish(context.Background(), HealthEvent{AgentID: "nrdot"})).To(Succeed())

	g.Eventually(ch1).Should(Receive(Equal(HealthEvent{AgentID: "nrdot"})))
	g.Eventually(ch2).Should(Receive(Equal(HealthEvent{AgentID: "nrdot"})))
}

func TestBusPublishBackpressuresOnFullSubscriber(t *testing.T) {
	g := NewWithT(t)
	bus := New[HealthEvent](1)

	ch, unsub := bus.Subscribe()
	defer unsub()

	g.Expect(bus.Publish(context.Background(), HealthEvent{AgentID: "a"})).To(Succeed())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := bus.Publish(ctx, HealthEvent{AgentID: "b"})
	g.Expect(err).To(HaveOccurred())

	<-ch // drain so the buffer has room
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	g := NewWithT(t)
	bus := New[ShutdownEvent](1)

	ch, unsub := bus.Subscribe()
	unsub()

	_, open := <-ch
	g.Expect(open).To(BeFalse())
}

func TestHistorianRetainsNPlusOneGenerations(t *testing.T) {
	g := NewWithT(t)
	base := t.TempDir()
	h := NewHistorian(2)

	var dirs []string
	for i := 0; i < 4; i++ {
		d := filepath.Join(base, string(rune('a'+i)))
		g.Expect(os.MkdirAll(d, 0o755)).To(Succeed())
		dirs = append(dirs, d)
		h.Push("nrdot", d)
	}

	g.Expect(h.Generations("nrdot")).To(Equal(dirs[1:]))

	for _, d := range dirs[:1] {
		_, err := os.Stat(d)
		g.Expect(os.IsNotExist(err)).To(BeTrue())
	}
	for _, d := range dirs[1:] {
		g.Expect(d).To(BeADirectory())
	}
}

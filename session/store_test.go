package session_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/hearth/pkg/llm"
	"github.com/papercomputeco/hearth/session"
)

var _ = Describe("Store", func() {
	var store *session.Store

	BeforeEach(func() {
		store = session.NewStore()
	})

	Describe("NewStore", func() {
		It("starts with an empty history", func() {
			Expect(store.Len()).To(BeZero())
			Expect(store.History()).To(BeEmpty())
		})

		It("assigns a non-empty session ID", func() {
			Expect(store.ID()).NotTo(BeEmpty())
		})

		It("draws a seed in the documented range", func() {
			Expect(store.Seed()).To(And(BeNumerically(">=", 1), BeNumerically("<=", 1_000_000)))
		})
	})

	Describe("Append", func() {
		It("preserves order", func() {
			store.Append(llm.RoleUser, "first")
			store.Append(llm.RoleAssistant, "second")
			store.Append(llm.RoleUser, "third")

			history := store.History()
			Expect(history).To(HaveLen(3))
			Expect(history[0].Content).To(Equal("first"))
			Expect(history[1].Content).To(Equal("second"))
			Expect(history[2].Content).To(Equal("third"))
		})

		It("tracks the last user prompt", func() {
			store.Append(llm.RoleUser, "question")
			store.Append(llm.RoleAssistant, "answer")

			Expect(store.LastUserPrompt()).To(Equal("question"))
		})

		It("yields length equal to appends minus deletions", func() {
			for i := 0; i < 8; i++ {
				store.Append(llm.RoleUser, "msg")
			}
			store.DeleteAt(2)
			store.DeleteLast()
			store.DeleteLast()

			Expect(store.Len()).To(Equal(5))
		})
	})

	Describe("History", func() {
		It("returns a defensive copy", func() {
			store.Append(llm.RoleUser, "original")

			history := store.History()
			history[0].Content = "mutated"

			Expect(store.History()[0].Content).To(Equal("original"))
		})
	})

	Describe("DeleteAt", func() {
		BeforeEach(func() {
			store.Append(llm.RoleUser, "one")
			store.Append(llm.RoleAssistant, "two")
			store.Append(llm.RoleUser, "three")
		})

		It("removes the turn at the index", func() {
			Expect(store.DeleteAt(1)).To(BeTrue())

			history := store.History()
			Expect(history).To(HaveLen(2))
			Expect(history[1].Content).To(Equal("three"))
		})

		It("is a no-op for out-of-range indexes", func() {
			Expect(store.DeleteAt(-1)).To(BeFalse())
			Expect(store.DeleteAt(3)).To(BeFalse())
			Expect(store.Len()).To(Equal(3))
		})

		It("recomputes the last user prompt after deletion", func() {
			Expect(store.DeleteAt(2)).To(BeTrue())
			Expect(store.LastUserPrompt()).To(Equal("one"))
		})

		It("clears the last user prompt when no user turn remains", func() {
			Expect(store.DeleteAt(2)).To(BeTrue())
			Expect(store.DeleteAt(0)).To(BeTrue())
			Expect(store.LastUserPrompt()).To(BeEmpty())
		})
	})

	Describe("DeleteLast", func() {
		It("removes the most recent turn", func() {
			store.Append(llm.RoleUser, "keep")
			store.Append(llm.RoleAssistant, "drop")

			Expect(store.DeleteLast()).To(BeTrue())
			Expect(store.Len()).To(Equal(1))
			Expect(store.History()[0].Content).To(Equal("keep"))
		})

		It("is a no-op on an empty history", func() {
			Expect(store.DeleteLast()).To(BeFalse())
		})
	})

	Describe("PopTrailingAssistant", func() {
		It("removes exactly one trailing assistant turn", func() {
			store.Append(llm.RoleUser, "question")
			store.Append(llm.RoleAssistant, "answer one")

			Expect(store.PopTrailingAssistant()).To(BeTrue())
			Expect(store.Len()).To(Equal(1))
			Expect(store.History()[0].Role).To(Equal(llm.RoleUser))
		})

		It("does nothing when the trailing turn is not assistant", func() {
			store.Append(llm.RoleAssistant, "answer")
			store.Append(llm.RoleUser, "question")

			Expect(store.PopTrailingAssistant()).To(BeFalse())
			Expect(store.Len()).To(Equal(2))
		})

		It("does nothing on an empty history", func() {
			Expect(store.PopTrailingAssistant()).To(BeFalse())
		})
	})

	Describe("ReplacePrefix", func() {
		It("keeps the trailing window and swaps in the replacement", func() {
			for i := 0; i < 10; i++ {
				store.Append(llm.RoleUser, "old")
			}
			store.Append(llm.RoleUser, "recent-a")
			store.Append(llm.RoleAssistant, "recent-b")

			store.ReplacePrefix(2, []llm.Turn{{Role: llm.RoleSystem, Content: "summary"}})

			history := store.History()
			Expect(history).To(HaveLen(3))
			Expect(history[0].Role).To(Equal(llm.RoleSystem))
			Expect(history[1].Content).To(Equal("recent-a"))
			Expect(history[2].Content).To(Equal("recent-b"))
		})

		It("is a no-op when the history fits the retained window", func() {
			store.Append(llm.RoleUser, "only")

			store.ReplacePrefix(50, []llm.Turn{{Role: llm.RoleSystem, Content: "summary"}})

			Expect(store.Len()).To(Equal(1))
			Expect(store.History()[0].Content).To(Equal("only"))
		})
	})

	Describe("RandomizeSeed", func() {
		It("replaces the seed within the documented range", func() {
			seed := store.RandomizeSeed()
			Expect(seed).To(And(BeNumerically(">=", 1), BeNumerically("<=", 1_000_000)))
			Expect(store.Seed()).To(Equal(seed))
		})
	})
})

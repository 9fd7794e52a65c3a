package subscription

// Delegate receives the notifications of a Subscription. All calls for one
// client instance arrive on a single goroutine, one at a time.
type Delegate interface {
	OnListenStart(sub *Subscription)
	OnListenEnd(sub *Subscription)

	OnSubscription(sub *Subscription)
	OnUnsubscription(sub *Subscription)
	OnSubscriptionError(sub *Subscription, code int, message string)

	OnItemUpdate(sub *Subscription, update *ItemUpdate)
	OnEndOfSnapshot(sub *Subscription, itemName string, itemPos int)
	OnClearSnapshot(sub *Subscription, itemName string, itemPos int)
	OnItemLostUpdates(sub *Subscription, itemName string, itemPos int, lost int)
	OnRealMaxFrequency(sub *Subscription, frequency string)

	OnCommandSecondLevelItemLostUpdates(sub *Subscription, lost int, key string)
	OnCommandSecondLevelSubscriptionError(sub *Subscription, code int, message string, key string)
}

// BaseDelegate implements Delegate with no-ops, for embedding.
type BaseDelegate struct{}

func (BaseDelegate) OnListenStart(*Subscription) {}
func (BaseDelegate) OnListenEnd(*Subscription) {}
func (BaseDelegate) OnSubscription(*Subscription) {}
func (BaseDelegate) OnUnsubscription(*Subscription) {}
func (BaseDelegate) OnSubscriptionError(*Subscription, int, string) {}
func (BaseDelegate) OnItemUpdate(*Subscription, *ItemUpdate) {}
func (BaseDelegate) OnEndOfSnapshot(*Subscription, string, int) {}
func (BaseDelegate) OnClearSnapshot(*Subscription, string, int) {}
func (BaseDelegate) OnItemLostUpdates(*Subscription, string, int, int) {}
func (BaseDelegate) OnRealMaxFrequency(*Subscription, string) {}
func (BaseDelegate) OnCommandSecondLevelItemLostUpdates(*Subscription, int, string) {}
func (BaseDelegate) OnCommandSecondLevelSubscriptionError(*Subscription, int, string, string) {}

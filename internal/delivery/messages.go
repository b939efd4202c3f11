package delivery

import (
	"fmt"
	"strings"
)

// Product describes the purchased item shown in delivery messages.
type Product struct {
	Name     string
	Size     string
	Location string
	Price    float64
}

func (p Product) name() string {
	if strings.TrimSpace(p.Name) == "" {
		return "Digital Content"
	}
	return p.Name
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}

// secretNotification opens an encrypted delivery.
func secretNotification(orderRef string, p Product) string {
	var b strings.Builder
	b.WriteString("Encrypted Delivery\n\n")
	b.WriteString("Order Details:\n")
	fmt.Fprintf(&b, "Order ID: #%s\n", orderRef)
	fmt.Fprintf(&b, "Product: %s\n", p.name())
	fmt.Fprintf(&b, "Size: %s\n", orDash(p.Size))
	fmt.Fprintf(&b, "Location: %s\n", orDash(p.Location))
	fmt.Fprintf(&b, "Price: %.2f EUR\n\n", p.Price)
	b.WriteString("Delivering your content securely...\n")
	b.WriteString("This is an end-to-end encrypted chat.")
	return b.String()
}

// standardNotification opens a standard-channel delivery. It always
// explains why the encrypted channel is not being used.
func standardNotification(orderRef string, p Product) string {
	var b strings.Builder
	b.WriteString("Delivery (Standard)\n\n")
	b.WriteString("Order Details:\n")
	fmt.Fprintf(&b, "Order ID: #%s\n", orderRef)
	fmt.Fprintf(&b, "Product: %s\n", p.name())
	fmt.Fprintf(&b, "Size: %s\n", orDash(p.Size))
	fmt.Fprintf(&b, "Location: %s\n", orDash(p.Location))
	fmt.Fprintf(&b, "Price: %.2f EUR\n\n", p.Price)
	b.WriteString("Note: secure chat connection failed. Delivering via standard private message to ensure you receive your goods.\n")
	b.WriteString("Receiving content below...")
	return b.String()
}

// videoFallbackCaption accompanies a video that had to leave the encrypted
// channel.
func videoFallbackCaption(orderRef string, p Product) string {
	var b strings.Builder
	b.WriteString("Your Video Content\n\n")
	fmt.Fprintf(&b, "Order: #%s\n", orderRef)
	fmt.Fprintf(&b, "Product: %s\n", p.name())
	b.WriteString("Ready to watch!")
	return b.String()
}

// videoFallbackNotice is posted into the encrypted chat so the recipient
// knows where the video went.
func videoFallbackNotice(idx int) string {
	return fmt.Sprintf("Video %d sent to your regular chat messages (secure delivery fallback).", idx)
}

func itemCaption(idx, total int, kind string) string {
	return fmt.Sprintf("Item %d/%d\nType: %s", idx, total, strings.ToUpper(kind))
}

func itemRetryCaption(idx int) string {
	return fmt.Sprintf("Item %d (retry)", idx)
}

func secretCompletion(orderRef string, p Product) string {
	var b strings.Builder
	b.WriteString("Delivery Complete!\n\n")
	b.WriteString("Your Order Summary:\n")
	fmt.Fprintf(&b, "Product: %s\n", p.name())
	fmt.Fprintf(&b, "Size: %s\n", orDash(p.Size))
	fmt.Fprintf(&b, "Location: %s\n", orDash(p.Location))
	fmt.Fprintf(&b, "Paid: %.2f EUR\n\n", p.Price)
	fmt.Fprintf(&b, "Order ID: #%s\n\n", orderRef)
	b.WriteString("Thank you for your purchase!")
	return b.String()
}

func standardCompletion(orderRef string, p Product) string {
	var b strings.Builder
	b.WriteString("Delivery Complete!\n\n")
	b.WriteString("Your Order Summary:\n")
	fmt.Fprintf(&b, "Product: %s\n", p.name())
	fmt.Fprintf(&b, "Order ID: #%s\n\n", orderRef)
	b.WriteString("Thank you for your purchase!")
	return b.String()
}

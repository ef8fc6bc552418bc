package submission

import (
	"context"
	"fmt"
)

// User-facing notices.
const (
	NoticeEmailRequired = "Email requis pour envoyer"
	NoticeScheduled     = "Envoi programmé"
	NoticeSent          = "Fiche envoyée"
	NoticeSendFailed    = "Envoi échoué, réessai automatique."
	NoticeLoadFailed    = "Erreur chargement fiche. Mode offline."
	NoticePushReceived  = "Notification reçue."
	NoticeOnline        = "Connexion retrouvée"
	NoticeOffline       = "Mode hors-ligne"
	NoticeNoCode        = "Aucun code détecté"
)

func retryNotice(attempt int) string { return fmt.Sprintf("Retry %d", attempt) }

func scannedNotice(code string) string { return "Code " + code }

// Notifier shows a short transient notice to the driver.
type Notifier interface {
	Notify(text string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(text string)

func (f NotifierFunc) Notify(text string) { f(text) }

// EmailPrompter asks the driver for their email address.
type EmailPrompter interface {
	PromptEmail(ctx context.Context) (string, error)
}

// EmailPrompterFunc adapts a function to EmailPrompter.
type EmailPrompterFunc func(ctx context.Context) (string, error)

func (f EmailPrompterFunc) PromptEmail(ctx context.Context) (string, error) { return f(ctx) }

type noopNotifier struct{}

func (noopNotifier) Notify(string) {}
